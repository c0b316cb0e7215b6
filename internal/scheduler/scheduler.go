// Package scheduler runs the bot's periodic jobs on a cron.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/advisor-llm-bot/internal/ledger"
	"github.com/advisor-llm-bot/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	specExpireTariffs = "@hourly"
	specFloodCleanup  = "@every 10m"
	specDailyReport   = "0 9 * * *"
)

// jobTimeout bounds a single job run
const jobTimeout = 2 * time.Minute

// Ledger is the part of the usage ledger the jobs need
type Ledger interface {
	ExpireTariffs(ctx context.Context, now time.Time) (int64, error)
	Summarize(ctx context.Context) (*ledger.Summary, error)
}

// Cleaner forgets idle per-user state
type Cleaner interface {
	Cleanup() int
}

// ReportCallback sends the daily report to an admin chat
type ReportCallback func(chatID int64, text string) error

// Scheduler handles periodic tasks: tariff expiry, limiter cleanup and the
// daily admin report
type Scheduler struct {
	cron     *cron.Cron
	ledger   Ledger
	flood    Cleaner
	metrics  *metrics.Metrics
	report   ReportCallback
	admins   []int64
	timezone *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler; flood, m and report may be nil
func NewScheduler(
	l Ledger,
	flood Cleaner,
	m *metrics.Metrics,
	report ReportCallback,
	admins []int64,
	timezone string,
	logger zerolog.Logger,
) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", timezone, err)
	}

	return &Scheduler{
		cron:     cron.New(cron.WithLocation(loc)),
		ledger:   l,
		flood:    flood,
		metrics:  m,
		report:   report,
		admins:   admins,
		timezone: loc,
		now:      time.Now,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start registers the jobs and blocks until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting scheduler...")

	if _, err := s.cron.AddFunc(specExpireTariffs, func() { s.RunExpireTariffs(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule tariff expiry: %w", err)
	}
	if s.flood != nil {
		if _, err := s.cron.AddFunc(specFloodCleanup, func() { s.flood.Cleanup() }); err != nil {
			return fmt.Errorf("failed to schedule limiter cleanup: %w", err)
		}
	}
	if s.report != nil && len(s.admins) > 0 {
		if _, err := s.cron.AddFunc(specDailyReport, func() { s.RunDailyReport(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule daily report: %w", err)
		}
	}

	// Catch up on tariffs that expired while the bot was down.
	s.RunExpireTariffs(ctx)

	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info().
			Time("next_run", e.Next).
			Int("entry_id", int(e.ID)).
			Msg("Scheduled job")
	}
	s.logger.Info().Msg("Scheduler started and running")

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info().Msg("Scheduler stopped")
	return ctx.Err()
}

// RunExpireTariffs clears tariffs that ran out
func (s *Scheduler) RunExpireTariffs(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	n, err := s.ledger.ExpireTariffs(ctx, s.now())
	if err != nil {
		s.logger.Error().
			Err(err).
			Msg("Tariff expiry failed")
		return
	}

	s.metrics.ExpiredTariffs(n)
	if n > 0 {
		s.logger.Info().Int64("expired", n).Msg("Tariff expiry completed")
	}
}

// RunDailyReport sends the ledger summary to every admin
func (s *Scheduler) RunDailyReport(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	summary, err := s.ledger.Summarize(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build daily report")
		return
	}

	text := formatReport(s.now().In(s.timezone), summary)
	for _, chatID := range s.admins {
		if err := s.report(chatID, text); err != nil {
			s.logger.Error().
				Err(err).
				Int64("chat_id", chatID).
				Msg("Failed to send daily report")
		}
	}
}

func formatReport(now time.Time, s *ledger.Summary) string {
	return fmt.Sprintf(
		"📊 *Отчёт за %s*\n\nПользователей: %d\nЗаблокировано: %d\nС тарифом: %d",
		now.Format("02.01.2006"), s.Users, s.Blocked, s.Paid,
	)
}
