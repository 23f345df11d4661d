package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/periodic"
)

// Prober checks a health URL and feeds the result into a Monitor.
type Prober struct {
	url     string
	client  *http.Client
	monitor *Monitor
	logger  *zap.Logger
}

// NewProber creates a prober for url. timeout bounds each probe.
func NewProber(url string, timeout time.Duration, monitor *Monitor, logger *zap.Logger) *Prober {
	return &Prober{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		monitor: monitor,
		logger:  logger.Named("prober"),
	}
}

// Probe performs one check and updates the monitor. Any 2xx or 3xx response counts as online.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx) == nil
	p.monitor.SetOnline(online)
	return online
}

func (p *Prober) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("url", p.url), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.logger.Debug("probe returned error status",
			zap.String("url", p.url),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Task wraps the prober as a periodic task.
func (p *Prober) Task(interval time.Duration) periodic.Task {
	return periodic.Task{
		Name:       "connectivity-probe",
		Interval:   interval,
		RunOnStart: true,
		Run:        func(ctx context.Context) { p.Probe(ctx) },
	}
}
