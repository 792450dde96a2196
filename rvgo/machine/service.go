package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// Namespace is the JSON-RPC namespace the service is registered under.
const Namespace = "machine"

var ErrNotLoaded = errors.New("machine: no machine loaded")

// Service holds the canonical machine and serves it locally or over JSON-RPC.
type Service struct {
	log log.Logger
	tty io.Writer

	mu sync.Mutex
	m  *Machine
}

var _ Remote = (*Service)(nil)

func NewService(logger log.Logger, tty io.Writer) *Service {
	return &Service{log: logger, tty: tty}
}

// LoadState replaces the machine with an in-memory state.
func (s *Service) LoadState(state *State, cfg RuntimeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = New(state, cfg, s.tty)
	s.log.Info("Loaded machine", "pages", state.Memory.PageCount(), "mem", state.Memory.Usage(), "maxPages", cfg.MaxPages)
}

func (s *Service) Load(ctx context.Context, path string, cfg RuntimeConfig) error {
	state, err := LoadImage(path)
	if err != nil {
		return fmt.Errorf("failed to load machine state %q: %w", path, err)
	}
	if state.Memory == nil {
		return fmt.Errorf("machine state %q has no memory", path)
	}
	if cfg.MaxPages != 0 && uint64(state.Memory.PageCount()) > cfg.MaxPages {
		return fmt.Errorf("%w: state %q uses %d pages, limit is %d", ErrMemoryLimit, path, state.Memory.PageCount(), cfg.MaxPages)
	}
	s.LoadState(state, cfg)
	return nil
}

func (s *Service) machine() (*Machine, error) {
	if s.m == nil {
		return nil, ErrNotLoaded
	}
	return s.m, nil
}

func (s *Service) Run(ctx context.Context, target uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.machine()
	if err != nil {
		return err
	}
	if err := m.Run(target); err != nil {
		return err
	}
	s.log.Debug("Ran machine", "target", target, "pages", m.state.Memory.PageCount())
	return nil
}

func (s *Service) ReadRegister(ctx context.Context, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.machine()
	if err != nil {
		return 0, err
	}
	return m.ReadRegister(name)
}

func (s *Service) ReadMemory(ctx context.Context, paddr, length uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.machine()
	if err != nil {
		return nil, err
	}
	return m.ReadMemory(paddr, length)
}

// API is the JSON-RPC surface of a Service.
type API struct {
	svc *Service
}

func (api *API) Load(ctx context.Context, path string, cfg RuntimeConfig) error {
	return api.svc.Load(ctx, path, cfg)
}

func (api *API) Run(ctx context.Context, target hexutil.Uint64) error {
	return api.svc.Run(ctx, uint64(target))
}

func (api *API) ReadRegister(ctx context.Context, name string) (hexutil.Uint64, error) {
	v, err := api.svc.ReadRegister(ctx, name)
	return hexutil.Uint64(v), err
}

func (api *API) ReadMemory(ctx context.Context, paddr, length hexutil.Uint64) (hexutil.Bytes, error) {
	return api.svc.ReadMemory(ctx, uint64(paddr), uint64(length))
}

// RPCServer returns a JSON-RPC server exposing the service.
func (s *Service) RPCServer() (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(Namespace, &API{svc: s}); err != nil {
		return nil, fmt.Errorf("failed to register machine API: %w", err)
	}
	return srv, nil
}
