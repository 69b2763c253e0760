package trackstore

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// ReaderPauser coordinates a long-running writer with lock-free readers. The
// writer calls PauseReaders around each reader-visible mutation and Yield
// between records so waiting readers are not starved for a whole batch.
type ReaderPauser interface {
	// PauseReaders blocks until in-flight reads drain and holds off new ones
	// until the returned resume func is called.
	PauseReaders() (resume func())
	// Yield lets waiting readers proceed. It is a yield point, not a
	// cancellation point.
	Yield()
}

// maxYieldSpins bounds how long Yield waits on readers that keep arriving.
const maxYieldSpins = 64

// ReadGate is a ReaderPauser for readers that wrap their reads with Read.
type ReadGate struct {
	mu      sync.RWMutex
	waiting atomic.Int32
}

var _ ReaderPauser = &ReadGate{}

func NewReadGate() *ReadGate { return new(ReadGate) }

// Read runs fn while no writer holds readers paused.
func (g *ReadGate) Read(fn func() error) error {
	g.waiting.Add(1)
	g.mu.RLock()
	g.waiting.Add(-1)
	defer g.mu.RUnlock()

	return fn()
}

func (g *ReadGate) PauseReaders() func() {
	g.mu.Lock()
	return g.mu.Unlock
}

func (g *ReadGate) Yield() {
	for i := 0; i < maxYieldSpins && g.waiting.Load() > 0; i++ {
		runtime.Gosched()
	}
}

// Waiting returns the number of readers blocked behind a paused writer.
func (g *ReadGate) Waiting() int { return int(g.waiting.Load()) }

type nopPauser struct{}

func (nopPauser) PauseReaders() func() { return func() {} }
func (nopPauser) Yield() {}

// NopPauser returns a ReaderPauser which never blocks.
func NopPauser() ReaderPauser { return nopPauser{} }
