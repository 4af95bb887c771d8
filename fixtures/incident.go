package fixtures

import (
	"context"
	"sync"

	"github.com/procflow/continuum/continuation"
)

// SinkStub is a test implementation of the incident.Sink interface that
// records the incidents it receives.
type SinkStub struct {
	ReportFunc func(context.Context, continuation.Incident) error

	m         sync.Mutex
	incidents []continuation.Incident
}

// Report records i.
func (s *SinkStub) Report(ctx context.Context, i continuation.Incident) error {
	if s.ReportFunc != nil {
		if err := s.ReportFunc(ctx, i); err != nil {
			return err
		}
	}

	s.m.Lock()
	defer s.m.Unlock()

	s.incidents = append(s.incidents, i)

	return nil
}

// Incidents returns the incidents that have been reported successfully.
func (s *SinkStub) Incidents() []continuation.Incident {
	s.m.Lock()
	defer s.m.Unlock()

	return append([]continuation.Incident(nil), s.incidents...)
}
