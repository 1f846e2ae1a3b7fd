package election

import (
	"context"
	"sync"

	"github.com/tributary-io/tributary/model"
	"github.com/tributary-io/tributary/pkg/epoch"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

// Manual is an election handle driven programmatically. Tests use it to
// script exact grant/revoke interleavings.
type Manual struct {
	mu       sync.Mutex
	listener Listener
	granted  bool
	stopped  bool
}

// NewManual creates an unstarted manual handle.
func NewManual() *Manual {
	return &Manual{}
}

// Start registers the listener. No grant happens until Grant is called.
func (m *Manual) Start(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener != nil {
		return derror.ErrElectionAlreadyStarted.GenWithStackByArgs("manual")
	}
	m.listener = l
	return nil
}

// Grant delivers a leadership grant with the given epoch. It is a no-op if
// the handle is stopped, unstarted, or already leading.
func (m *Manual) Grant(ep model.Epoch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener == nil || m.stopped || m.granted {
		return
	}
	m.granted = true
	m.listener.OnGrantLeadership(ep)
}

// Revoke delivers a revocation. It is a no-op unless currently leading.
func (m *Manual) Revoke() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener == nil || m.stopped || !m.granted {
		return
	}
	m.granted = false
	m.listener.OnRevokeLeadership()
}

// Stop withdraws from the election, revoking first if currently leading.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	if m.granted && m.listener != nil {
		m.granted = false
		m.listener.OnRevokeLeadership()
	}
	m.stopped = true
}

// Standalone is an election handle that grants leadership immediately and
// unconditionally. It backs single-process deployments where no coordination
// service exists: with exactly one participant, self-granting is safe.
type Standalone struct {
	mu       sync.Mutex
	epochGen epoch.Generator
	listener Listener
	stopped  bool
}

func newStandalone(gen epoch.Generator) *Standalone {
	return &Standalone{epochGen: gen}
}

// Start grants leadership to the listener before returning.
func (s *Standalone) Start(l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return derror.ErrElectionAlreadyStarted.GenWithStackByArgs("standalone")
	}
	if s.stopped {
		return nil
	}
	s.listener = l

	// the mock generator never fails
	ep, _ := s.epochGen.GenerateEpoch(context.Background())
	l.OnGrantLeadership(ep)
	return nil
}

// Stop revokes the standing grant.
func (s *Standalone) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	if s.listener != nil {
		s.listener.OnRevokeLeadership()
	}
}

// StandaloneProvider hands out Standalone handles sharing one process-local
// epoch counter.
type StandaloneProvider struct {
	epochGen epoch.Generator
}

func NewStandaloneProvider() *StandaloneProvider {
	return &StandaloneProvider{epochGen: epoch.NewMockGenerator()}
}

func (p *StandaloneProvider) NewHandle(_ model.JobID) Handle {
	return newStandalone(p.epochGen)
}

func (p *StandaloneProvider) Close() error {
	return nil
}
