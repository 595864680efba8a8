package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/mcclellann/loanbook/pkg/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// OverdueReporter produces the overdue aggregation. An empty owner covers all owners.
type OverdueReporter interface {
	OverdueReport(ctx context.Context, ownerID string) ([]models.OverdueGroup, error)
}

// Scheduler runs the periodic overdue sweep.
type Scheduler struct {
	cron     *cron.Cron
	spec     string
	reporter OverdueReporter
	logger   *zap.Logger
	timeout  time.Duration
}

func New(spec string, location *time.Location, reporter OverdueReporter, logger *zap.Logger) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(location)),
		spec:     spec,
		reporter: reporter,
		logger:   logger,
		timeout:  time.Minute,
	}
}

// Start registers the sweep and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.SweepOverdue(ctx) }); err != nil {
		return fmt.Errorf("add overdue sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("overdue_cron", s.spec))

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// SweepOverdue logs one alert per client with overdue installments plus a
// summary line, and returns the groups it found.
func (s *Scheduler) SweepOverdue(ctx context.Context) []models.OverdueGroup {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	groups, err := s.reporter.OverdueReport(ctx, "")
	if err != nil {
		s.logger.Error("overdue sweep failed", zap.Error(err))
		return nil
	}

	installments := 0
	for _, g := range groups {
		installments += g.Count
		s.logger.Warn("client has overdue installments",
			zap.String("client_id", g.ClientID.String()),
			zap.String("client_name", g.ClientName),
			zap.Int("count", g.Count),
			zap.String("total", g.Total.StringFixed(2)))
	}
	s.logger.Info("overdue sweep complete",
		zap.Int("clients", len(groups)),
		zap.Int("installments", installments))
	return groups
}
