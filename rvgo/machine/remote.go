package machine

import (
	"context"
	"sync"
)

// Remote is the machine service as seen by the prover.
type Remote interface {
	// Load replaces the machine with the state stored at path.
	Load(ctx context.Context, path string, cfg RuntimeConfig) error
	// Run advances the machine to target, or until it halts.
	Run(ctx context.Context, target uint64) error
	ReadRegister(ctx context.Context, name string) (uint64, error)
	ReadMemory(ctx context.Context, paddr, length uint64) ([]byte, error)
}

// Shared serializes every call to a Remote behind a single lock, so that a
// run and a memory read are never in flight at the same time.
type Shared struct {
	mu     sync.Mutex
	remote Remote
}

var _ Remote = (*Shared)(nil)

func NewShared(r Remote) *Shared {
	return &Shared{remote: r}
}

func (s *Shared) Load(ctx context.Context, path string, cfg RuntimeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote.Load(ctx, path, cfg)
}

func (s *Shared) Run(ctx context.Context, target uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote.Run(ctx, target)
}

func (s *Shared) ReadRegister(ctx context.Context, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote.ReadRegister(ctx, name)
}

func (s *Shared) ReadMemory(ctx context.Context, paddr, length uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote.ReadMemory(ctx, paddr, length)
}
