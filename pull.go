package trackstore

type (
	// PullRequest asks for fixes with ids from Cookie onwards.
	PullRequest struct {
		ClientID string `json:"clientID"`
		Cookie   int64  `json:"cookie"`
		Limit    int    `json:"limit,omitempty"`
	}

	PullResponse struct {
		// Cookie is the id to pull from next.
		Cookie int64 `json:"cookie"`
		Fixes  []Fix `json:"fixes"`
	}
)

// DefaultPullLimit bounds the fixes returned by one pull when the request
// names no limit.
const DefaultPullLimit = 500

// EffectiveLimit returns the request's limit, bounded to DefaultPullLimit.
func (p *PullRequest) EffectiveLimit() int {
	if p.Limit <= 0 || p.Limit > DefaultPullLimit {
		return DefaultPullLimit
	}
	return p.Limit
}
