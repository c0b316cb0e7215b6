package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/advisor-llm-bot/internal/ledger"
	"github.com/advisor-llm-bot/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	expired   int64
	expireErr error
	calls     int
	at        time.Time
}

func (f *fakeLedger) ExpireTariffs(_ context.Context, now time.Time) (int64, error) {
	f.calls++
	f.at = now
	return f.expired, f.expireErr
}

func (f *fakeLedger) Summarize(context.Context) (*ledger.Summary, error) {
	return &ledger.Summary{Users: 4, Blocked: 1, Paid: 2}, nil
}

func newTestScheduler(t *testing.T, l Ledger, report ReportCallback, admins ...int64) *Scheduler {
	t.Helper()
	s, err := NewScheduler(l, nil, metrics.New(prometheus.NewRegistry()), report, admins, "UTC", zerolog.Nop())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestNewSchedulerRejectsBadTimezone(t *testing.T) {
	_, err := NewScheduler(&fakeLedger{}, nil, nil, nil, nil, "Mars/Olympus", zerolog.Nop())
	assert.Error(t, err)
}

func TestRunExpireTariffs(t *testing.T) {
	l := &fakeLedger{expired: 2}
	s := newTestScheduler(t, l, nil)

	s.RunExpireTariffs(context.Background())
	assert.Equal(t, 1, l.calls)
	assert.True(t, l.at.Equal(s.now()))

	l.expireErr = errors.New("db down")
	assert.NotPanics(t, func() { s.RunExpireTariffs(context.Background()) })
}

func TestRunDailyReport(t *testing.T) {
	sent := map[int64]string{}
	report := func(chatID int64, text string) error {
		sent[chatID] = text
		if chatID == 2 {
			return errors.New("blocked by user")
		}
		return nil
	}
	s := newTestScheduler(t, &fakeLedger{}, report, 1, 2)

	s.RunDailyReport(context.Background())

	require.Len(t, sent, 2)
	assert.Contains(t, sent[1], "01.06.2026")
	assert.Contains(t, sent[1], "Пользователей: 4")
}

type countingCleaner struct{ calls int }

func (c *countingCleaner) Cleanup() int { c.calls++; return 0 }

func TestStartRunsCatchUpAndStops(t *testing.T) {
	l := &fakeLedger{}
	s := newTestScheduler(t, l, nil)
	s.flood = &countingCleaner{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, l.calls, "expired tariffs are swept on start")
	assert.Len(t, s.cron.Entries(), 2, "no report job without admins")
}
