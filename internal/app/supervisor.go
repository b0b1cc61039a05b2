package app

import (
	"sync"

	"github.com/IItheshadowII/LatencyLens/internal/config"
	"github.com/IItheshadowII/LatencyLens/internal/util"
)

// Supervisor loads the configuration and owns the current Runtime. Restart
// rebuilds it from the same file.
type Supervisor struct {
	configPath string
	logger     util.Logger
	load       func(string) (config.Config, error)
	mu         sync.Mutex
	runtime    *Runtime
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
		load:       config.LoadConfig,
	}
}

func (s *Supervisor) Start() error {
	cfg, err := s.load(s.configPath)
	if err != nil {
		return err
	}
	return s.startWith(cfg)
}

func (s *Supervisor) startWith(cfg config.Config) error {
	runtime, err := NewRuntime(cfg, s.logger)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}

// Restart reloads the configuration and swaps in a fresh runtime. An invalid
// file keeps the current runtime serving.
func (s *Supervisor) Restart() error {
	cfg, err := s.load(s.configPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	return s.startWith(cfg)
}

func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}
