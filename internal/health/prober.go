package health

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dittosh/gateway/config"
)

// Prober actively polls each backend's health endpoint on an interval and
// feeds the result into a Supervisor, independent of the passive
// consecutive-failure signal.
type Prober struct {
	backends   []config.Backend
	supervisor *Supervisor
	client     *http.Client
	logger     *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewProber builds a Prober over backends. Each backend's own
// ProbeInterval/ProbeTimeout/HealthPath (filled in by config.Defaults)
// governs its own polling cadence.
func NewProber(backends []config.Backend, supervisor *Supervisor, logger *zap.Logger) *Prober {
	return &Prober{
		backends:   backends,
		supervisor: supervisor,
		client:     &http.Client{},
		logger:     logger.With(zap.String("component", "health.prober")),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches one polling goroutine per backend. All of them exit when
// ctx is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	n := len(p.backends)
	if n == 0 {
		close(p.done)
		return
	}
	finished := make(chan struct{}, n)
	for _, b := range p.backends {
		b := b
		go func() {
			p.loop(ctx, b)
			finished <- struct{}{}
		}()
	}
	go func() {
		for i := 0; i < n; i++ {
			<-finished
		}
		close(p.done)
	}()
}

// Stop cancels every polling goroutine and waits for them to exit.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) loop(ctx context.Context, b config.Backend) {
	interval := time.Duration(b.ProbeInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.probeOnce(ctx, b)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, b config.Backend) {
	timeout := time.Duration(b.ProbeTimeout) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	path := b.HealthPath
	if path == "" {
		path = "/v1/models"
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.BaseURL+path, nil)
	if err != nil {
		p.supervisor.RecordActiveProbe(b.Name, false, err.Error())
		return
	}
	for k, v := range b.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.supervisor.RecordActiveProbe(b.Name, false, err.Error())
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	lastErr := ""
	if !healthy {
		lastErr = "health probe returned " + resp.Status
		p.logger.Warn("backend health probe failed",
			zap.String("backend", b.Name),
			zap.Int("status", resp.StatusCode))
	}
	p.supervisor.RecordActiveProbe(b.Name, healthy, lastErr)
}
