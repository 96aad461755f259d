package llm

import (
	"context"
	"sync/atomic"
)

// Switchable forwards to a provider that can be replaced at runtime, e.g. when
// the config file changes.
type Switchable struct {
	current atomic.Pointer[Provider]
}

func NewSwitchable(p Provider) *Switchable {
	s := &Switchable{}
	s.current.Store(&p)
	return s
}

// Swap installs p and returns the previous provider.
func (s *Switchable) Swap(p Provider) Provider {
	return *s.current.Swap(&p)
}

func (s *Switchable) Current() Provider { return *s.current.Load() }

func (s *Switchable) Name() string  { return s.Current().Name() }
func (s *Switchable) Model() string { return s.Current().Model() }

func (s *Switchable) Generate(ctx context.Context, prompt string) (string, error) {
	return s.Current().Generate(ctx, prompt)
}
