package health

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultFailureThreshold and DefaultCooldown are the spec's documented
// passive-tracking defaults (§4.6).
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

// Snapshot is the Admin-facing view of one backend's health state.
type Snapshot struct {
	ConsecutiveFailures int
	UnhealthyUntilEpoch int64 // 0 when not currently unhealthy
	HealthCheckHealthy  *bool // nil until the active prober has run once
	LastError           string
}

type backendState struct {
	consecutiveFailures int
	unhealthyUntil      time.Time
	healthCheckHealthy  *bool
	lastError           string
}

// Supervisor is the passive failure tracker: unhealthyUntil > now is
// exactly the breaker's Open state, reusing the source repo's state
// machine's threshold/cooldown semantics without carrying its single-
// instance half-open call counter — a backend never needs request-level
// admission control the way a single provider breaker does, since traffic
// simply stops being routed there via Router.Select's health filter.
type Supervisor struct {
	mu               sync.RWMutex
	states           map[string]*backendState
	failureThreshold int
	cooldown         time.Duration
	logger           *zap.Logger
}

// New builds a Supervisor. A zero threshold/cooldown falls back to the
// documented defaults.
func New(failureThreshold int, cooldown time.Duration, logger *zap.Logger) *Supervisor {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Supervisor{
		states:           make(map[string]*backendState),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		logger:           logger.With(zap.String("component", "health.supervisor")),
	}
}

func (s *Supervisor) stateFor(backend string) *backendState {
	st, ok := s.states[backend]
	if !ok {
		st = &backendState{}
		s.states[backend] = st
	}
	return st
}

// RecordOutcome updates backend's passive counters from one dispatch
// result. A 429 never counts as a failure (it reflects the upstream's own
// rate limiting, not unavailability); a 5xx status or a non-nil network
// error does, and every other status, 4xx included, is not a failure.
func (s *Supervisor) RecordOutcome(backend string, statusCode int, networkErr error) {
	if statusCode == 429 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(backend)

	failed := networkErr != nil || statusCode >= 500
	if !failed {
		st.consecutiveFailures = 0
		return
	}

	st.consecutiveFailures++
	if networkErr != nil {
		st.lastError = networkErr.Error()
	} else {
		st.lastError = httpStatusError(statusCode)
	}

	if st.consecutiveFailures >= s.failureThreshold {
		st.unhealthyUntil = time.Now().Add(s.cooldown)
		s.logger.Warn("backend marked unhealthy",
			zap.String("backend", backend),
			zap.Int("consecutive_failures", st.consecutiveFailures),
			zap.Time("unhealthy_until", st.unhealthyUntil))
	}
}

// RecordActiveProbe records the active prober's most recent result for
// backend, independent of the passive failure counter.
func (s *Supervisor) RecordActiveProbe(backend string, healthy bool, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(backend)
	h := healthy
	st.healthCheckHealthy = &h
	if !healthy && lastErr != "" {
		st.lastError = lastErr
	}
}

// IsHealthy reports whether backend is currently outside its unhealthy
// cooldown window. A backend never tracked is healthy by default.
func (s *Supervisor) IsHealthy(backend string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[backend]
	if !ok {
		return true
	}
	return st.unhealthyUntil.IsZero() || time.Now().After(st.unhealthyUntil)
}

// Snapshot returns backend's current Admin-facing state.
func (s *Supervisor) Snapshot(backend string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[backend]
	if !ok {
		return Snapshot{}
	}
	var epoch int64
	if !st.unhealthyUntil.IsZero() {
		epoch = st.unhealthyUntil.Unix()
	}
	return Snapshot{
		ConsecutiveFailures: st.consecutiveFailures,
		UnhealthyUntilEpoch: epoch,
		HealthCheckHealthy:  st.healthCheckHealthy,
		LastError:           st.lastError,
	}
}

// Reset clears every tracked field for backend, restoring it to a fresh
// Closed state.
func (s *Supervisor) Reset(backend string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, backend)
}

func httpStatusError(statusCode int) string {
	return "upstream status " + strconv.Itoa(statusCode)
}
