package integrity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ysod-timeline/config"
	"ysod-timeline/core/timeline"
	"ysod-timeline/core/utils"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Verifier is the part of the incidents service the scheduler drives.
type Verifier interface {
	IncidentIDs(ctx context.Context) ([]string, error)
	Verify(ctx context.Context, incidentID string) (timeline.Result, error)
	RecordViolation(ctx context.Context, incidentID string, res timeline.Result)
}

type Violation struct {
	IncidentID string          `json:"incidentId"`
	Result     timeline.Result `json:"result"`
}

type Report struct {
	StartedAt  time.Time   `json:"startedAt"`
	Duration   string      `json:"duration"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations"`
	Errors     int         `json:"errors"`
}

// Scheduler re-verifies every stored chain on a cron schedule.
type Scheduler struct {
	cfg    config.IntegrityConfig
	svc    Verifier
	logger *utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
	last    *Report
	runMu   sync.Mutex
}

func NewScheduler(cfg config.IntegrityConfig, svc Verifier, logger *utils.Logger) *Scheduler {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Scheduler{cfg: cfg, svc: svc, logger: logger}
}

func (s *Scheduler) StartWithContext(ctx context.Context) error {
	if s == nil || s.svc == nil || !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	spec := s.cfg.Cron
	if spec == "" {
		spec = "@every 15m"
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			s.logger.Errorf("INTEGRITY run failed: %v", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("integrity cron %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true
	s.logger.Printf("INTEGRITY scheduler started cron=%q parallelism=%d", spec, s.parallelism())
	return nil
}

func (s *Scheduler) StopWithContext(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	wasRunning := s.running
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	cancel()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) parallelism() int {
	if s.cfg.Parallelism <= 0 {
		return 1
	}
	return s.cfg.Parallelism
}

// RunOnce verifies all incidents with bounded parallelism. Violations are
// reported, not returned as errors; overlapping runs are serialised.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	if s == nil || s.svc == nil {
		return nil, nil
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now().UTC()
	ids, err := s.svc.IncidentIDs(ctx)
	if err != nil {
		return nil, err
	}
	var (
		mu     sync.Mutex
		report = &Report{StartedAt: start, Checked: len(ids), Violations: []Violation{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism())
	for _, id := range ids {
		id := id
		g.Go(func() error {
			res, err := s.svc.Verify(gctx, id)
			if err != nil {
				s.logger.Errorf("INTEGRITY verify incident=%s: %v", id, err)
				mu.Lock()
				report.Errors++
				mu.Unlock()
				return nil
			}
			if res.Valid {
				return nil
			}
			s.svc.RecordViolation(gctx, id, res)
			mu.Lock()
			report.Violations = append(report.Violations, Violation{IncidentID: id, Result: res})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report.Duration = time.Since(start).String()
	s.logger.Printf("INTEGRITY checked=%d violations=%d errors=%d dur=%s", report.Checked, len(report.Violations), report.Errors, report.Duration)
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

// LastReport returns the most recent completed run, if any.
func (s *Scheduler) LastReport() *Report {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
