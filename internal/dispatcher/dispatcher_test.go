package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/advisor-llm-bot/internal/ledger"
	"github.com/advisor-llm-bot/internal/models"
	"github.com/advisor-llm-bot/internal/profiles"
	"github.com/advisor-llm-bot/internal/session"
	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type fakeCompleter struct {
	mu     sync.Mutex
	calls  []*models.CompletionRequest
	result *models.CompletionResult
}

func (f *fakeCompleter) Complete(_ context.Context, req *models.CompletionRequest) *models.CompletionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.result != nil {
		return f.result
	}
	return &models.CompletionResult{Text: "answer to " + req.Text, ModelUsed: "fake", Length: 10}
}

func (f *fakeCompleter) Provider() models.Provider { return models.ProviderOpenAI }

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRequests struct {
	mu      sync.Mutex
	entries []*models.RequestLog
	err     error
}

func (f *fakeRequests) LogRequest(_ context.Context, log *models.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, log)
	return f.err
}

func (f *fakeRequests) Entries() []*models.RequestLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.RequestLog(nil), f.entries...)
}

type fakeLedger struct {
	decision  ledger.Decision
	checkErr  error
	canSelect bool
	selectErr error
	claimLost bool
	claims    int
	checks    int
}

func (f *fakeLedger) CheckAndConsume(context.Context, int64, time.Time) (ledger.Decision, error) {
	f.checks++
	return f.decision, f.checkErr
}

func (f *fakeLedger) CanSelect(context.Context, int64, string, time.Time) (bool, error) {
	return f.canSelect, f.selectErr
}

func (f *fakeLedger) ClaimAdvisor(context.Context, int64, string, time.Time) (bool, error) {
	f.claims++
	return !f.claimLost, nil
}

// failingStore reads like an empty store and refuses every write
type failingStore struct{}

func (failingStore) Get(context.Context, int64) (session.Session, bool, error) {
	return session.Session{}, false, nil
}

func (failingStore) Set(context.Context, session.Session) error {
	return fmt.Errorf("%w: connection refused", session.ErrUnavailable)
}

func (failingStore) Clear(context.Context, int64) error {
	return fmt.Errorf("%w: connection refused", session.ErrUnavailable)
}

type harness struct {
	d         *Dispatcher
	completer *fakeCompleter
	requests  *fakeRequests
	router    *session.Router
}

func loadProfiles(t *testing.T) *profiles.Store {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"a.json": `{"name": "A", "welcome": "Welcome from A", "system_prompt": "You are A."}`,
		"b.json": `{"name": "B", "welcome": "Welcome from B", "system_prompt": "You are B."}`,
		"c.json": `{"name": "C", "system_prompt": "You are C."}`,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	store, err := profiles.Load(dir, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func newHarness(t *testing.T, l Ledger) *harness {
	t.Helper()
	return newHarnessWithStore(t, l, session.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, l Ledger, store session.Store) *harness {
	t.Helper()
	h := &harness{
		completer: &fakeCompleter{},
		requests:  &fakeRequests{},
		router:    session.NewRouter(store, zerolog.Nop()),
	}
	h.d = New(loadProfiles(t), l, h.router, h.completer, h.requests, nil, zerolog.Nop())
	h.d.now = func() time.Time { return now }
	return h
}

func allowAll() *fakeLedger {
	return &fakeLedger{decision: ledger.Allow, canSelect: true}
}

func (h *harness) send(userID int64, text string) Reply {
	return h.d.Handle(context.Background(), Inbound{ChatID: userID * 10, UserID: userID, Username: "u", Text: text})
}

// entries waits for background request log writes and returns them
func (h *harness) entries(t *testing.T) []*models.RequestLog {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.Wait(ctx))
	return h.requests.Entries()
}

func TestEmptyTextPromptsSelection(t *testing.T) {
	h := newHarness(t, allowAll())

	reply := h.send(1, "   ")
	assert.Equal(t, msgSelectFirst, reply.Text)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, reply.Buttons)
	assert.Zero(t, h.completer.Calls())
}

func TestQuestionWithoutAdvisorPromptsSelection(t *testing.T) {
	l := allowAll()
	h := newHarness(t, l)

	reply := h.send(1, "What should I do?")
	assert.Equal(t, msgSelectFirst, reply.Text)
	assert.NotEmpty(t, reply.Buttons)
	assert.Zero(t, l.checks, "no ledger call without an advisor")
	assert.Zero(t, h.completer.Calls())
}

func TestSwitchShowsWelcomeOnlyOnce(t *testing.T) {
	h := newHarness(t, allowAll())

	reply := h.send(1, "a")
	assert.Contains(t, reply.Text, "Welcome from A")
	assert.Contains(t, reply.Text, fmt.Sprintf(msgSwitched, "A"))

	reply = h.send(1, "A")
	assert.NotContains(t, reply.Text, "Welcome from A")
	assert.Equal(t, fmt.Sprintf(msgSwitched, "A"), reply.Text)

	reply = h.send(1, "B")
	assert.Contains(t, reply.Text, "Welcome from B")

	reply = h.send(1, " a ")
	assert.Equal(t, fmt.Sprintf(msgSwitched, "A"), reply.Text)
}

func TestSwitchDoesNotConsumeQuota(t *testing.T) {
	l := allowAll()
	h := newHarness(t, l)

	h.send(1, "A")
	h.send(1, "B")
	assert.Zero(t, l.checks)
}

func TestQuestionIsRelayedWithAdvisorPrompt(t *testing.T) {
	h := newHarness(t, allowAll())
	h.send(1, "B")

	reply := h.send(1, "  Will it rain?  ")
	assert.Equal(t, "answer to Will it rain?", reply.Text)
	assert.True(t, reply.Markdown)

	require.Equal(t, 1, h.completer.Calls())
	req := h.completer.calls[0]
	assert.Equal(t, "You are B."+FormattingSuffix, req.SystemPrompt)
	assert.Equal(t, "Will it rain?", req.Text)
	assert.Equal(t, int64(1), req.UserID)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "B", entry.Advisor)
	assert.Equal(t, "answer to Will it rain?", entry.ResponseText)
	assert.Empty(t, entry.ErrorMessage)
}

func TestQuotaDenied(t *testing.T) {
	h := newHarness(t, &fakeLedger{decision: ledger.Deny, canSelect: true})
	h.send(1, "A")

	reply := h.send(1, "question")
	assert.Equal(t, msgQuotaDenied, reply.Text)
	assert.Zero(t, h.completer.Calls())
	assert.Empty(t, h.entries(t))
}

func TestStorageErrorIsDenyWithRetry(t *testing.T) {
	h := newHarness(t, &fakeLedger{
		decision:  ledger.Allow,
		checkErr:  &ledger.StorageError{Op: "check_and_consume", Err: errors.New("db down")},
		canSelect: true,
	})
	h.send(1, "A")

	reply := h.send(1, "question")
	assert.Equal(t, msgTryAgain, reply.Text)
	assert.Zero(t, h.completer.Calls())
}

func TestPolicyDeniedSwitch(t *testing.T) {
	h := newHarness(t, &fakeLedger{decision: ledger.Allow, canSelect: false})

	reply := h.send(1, "C")
	assert.Equal(t, fmt.Sprintf(msgPolicyDenied, ledger.MaxBasicAdvisors), reply.Text)

	_, ok, err := h.router.Current(context.Background(), 10)
	require.NoError(t, err)
	assert.False(t, ok, "session unchanged")
}

func TestSwitchStorageError(t *testing.T) {
	h := newHarness(t, &fakeLedger{selectErr: errors.New("db down")})

	reply := h.send(1, "A")
	assert.Equal(t, msgTryAgain, reply.Text)
}

func TestSwitchLosingLastSlotRestoresPreviousAdvisor(t *testing.T) {
	l := allowAll()
	h := newHarness(t, l)
	h.send(1, "A")

	l.claimLost = true
	reply := h.send(1, "B")
	assert.Equal(t, fmt.Sprintf(msgPolicyDenied, ledger.MaxBasicAdvisors), reply.Text)

	key, ok, err := h.router.Current(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", key)
}

func TestSwitchLosingFirstSlotClearsSession(t *testing.T) {
	l := allowAll()
	l.claimLost = true
	h := newHarness(t, l)

	reply := h.send(1, "B")
	assert.Equal(t, fmt.Sprintf(msgPolicyDenied, ledger.MaxBasicAdvisors), reply.Text)

	_, ok, err := h.router.Current(context.Background(), 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionStoreFailureDoesNotClaimSlot(t *testing.T) {
	l := allowAll()
	h := newHarnessWithStore(t, l, failingStore{})

	reply := h.send(1, "A")
	assert.Equal(t, msgTryAgain, reply.Text)
	assert.Zero(t, l.claims)
}

func TestProfileWithoutWelcomeUsesDefaults(t *testing.T) {
	h := newHarness(t, allowAll())

	reply := h.send(1, "C")
	assert.Equal(t, fmt.Sprintf(msgWelcome, msgDefaultHello)+"\n\n"+fmt.Sprintf(msgSwitched, "C"), reply.Text)

	info := h.d.Info(context.Background(), 10)
	assert.Equal(t, fmt.Sprintf(msgInfo, "C", msgNoInfo), info.Text)
}

func TestUpstreamFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limited", fmt.Errorf("%w: 429", models.ErrUpstreamRateLimited), msgSlowDown},
		{"other failure", fmt.Errorf("%w: timeout", models.ErrUpstream), msgUpstreamError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, allowAll())
			h.completer.result = &models.CompletionResult{ModelUsed: "fake", Err: tt.err}
			h.send(1, "A")

			reply := h.send(1, "question")
			assert.Equal(t, tt.want, reply.Text)
			assert.False(t, reply.Markdown)
			assert.NotContains(t, reply.Text, "429")

			entries := h.entries(t)
			require.Len(t, entries, 1)
			assert.Equal(t, tt.err.Error(), entries[0].ErrorMessage)
		})
	}
}

func TestRequestLogFailureDoesNotAffectReply(t *testing.T) {
	h := newHarness(t, allowAll())
	h.requests.err = errors.New("supabase down")
	h.send(1, "A")

	reply := h.send(1, "question")
	assert.Equal(t, "answer to question", reply.Text)
	assert.Len(t, h.entries(t), 1)
}

// blockingRequests holds every write until release is closed
type blockingRequests struct {
	release chan struct{}
	written atomic.Int32
}

func (b *blockingRequests) LogRequest(ctx context.Context, _ *models.RequestLog) error {
	<-b.release
	b.written.Add(1)
	return nil
}

func TestSlowRequestLogDoesNotDelayReply(t *testing.T) {
	requests := &blockingRequests{release: make(chan struct{})}
	router := session.NewRouter(session.NewMemoryStore(), zerolog.Nop())
	d := New(loadProfiles(t), allowAll(), router, &fakeCompleter{}, requests, nil, zerolog.Nop())

	in := Inbound{ChatID: 1, UserID: 1, Text: "A"}
	d.Handle(context.Background(), in)

	in.Text = "question"
	replied := make(chan Reply, 1)
	go func() { replied <- d.Handle(context.Background(), in) }()

	select {
	case reply := <-replied:
		assert.Equal(t, "answer to question", reply.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("reply waited for the request log")
	}

	unlock := router.Lock(1)
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded, "write still pending")

	close(requests.release)
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, int32(1), requests.written.Load())
}

type panickingCompleter struct{ fakeCompleter }

func (p *panickingCompleter) Complete(context.Context, *models.CompletionRequest) *models.CompletionResult {
	panic("boom")
}

func TestPanicIsRecovered(t *testing.T) {
	router := session.NewRouter(session.NewMemoryStore(), zerolog.Nop())
	d := New(loadProfiles(t), allowAll(), router, &panickingCompleter{}, nil, nil, zerolog.Nop())

	in := Inbound{ChatID: 1, UserID: 1, Text: "A"}
	d.Handle(context.Background(), in)

	in.Text = "question"
	var reply Reply
	require.NotPanics(t, func() { reply = d.Handle(context.Background(), in) })
	assert.Equal(t, msgUpstreamError, reply.Text)

	unlock := router.Lock(1)
	unlock()
}

func TestInfoAndMenu(t *testing.T) {
	h := newHarness(t, allowAll())
	ctx := context.Background()

	assert.Equal(t, msgSelectFirst, h.d.Info(ctx, 10).Text)

	h.send(1, "A")
	assert.Equal(t, fmt.Sprintf(msgInfo, "A", "Welcome from A"), h.d.Info(ctx, 10).Text)

	menu := h.d.Menu()
	assert.Equal(t, msgMenu, menu.Text)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, menu.Buttons)
}

func setupLedger(t *testing.T) (*ledger.Ledger, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: ledger.NewGormLogger(zerolog.Nop())})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, ledger.Migrate(db))
	return ledger.New(db, ledger.DefaultPolicy, nil, 5*time.Second, zerolog.Nop()), db
}

func TestExhaustedUserIsDeniedWithoutCompletion(t *testing.T) {
	l, db := setupLedger(t)
	require.NoError(t, db.Create(&ledger.UsageRecord{
		UserID:          1,
		RequestCount:    35,
		FirstRequestAt:  now.Add(-10 * time.Hour),
		LastRequestAt:   now.Add(-time.Hour),
		AllowedAdvisors: datatypes.JSONSlice[string]{},
	}).Error)

	h := newHarness(t, l)
	h.send(1, "A")

	reply := h.send(1, "question")
	assert.Equal(t, msgQuotaDenied, reply.Text)
	assert.Zero(t, h.completer.Calls())
}

func TestFreshUserEndToEnd(t *testing.T) {
	l, _ := setupLedger(t)
	h := newHarness(t, l)

	reply := h.send(5, "question")
	assert.Equal(t, msgSelectFirst, reply.Text)

	reply = h.send(5, "A")
	assert.Contains(t, reply.Text, "Welcome from A")

	reply = h.send(5, "question")
	assert.Equal(t, "answer to question", reply.Text)

	rec, err := l.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RequestCount)
}

func TestBasicTariffRejectsThirdAdvisor(t *testing.T) {
	l, db := setupLedger(t)
	require.NoError(t, db.Create(&ledger.UsageRecord{
		UserID:          2,
		FirstRequestAt:  now.Add(-time.Hour),
		LastRequestAt:   now.Add(-time.Hour),
		Tariff:          ledger.TariffBasicMonth,
		TariffPaid:      true,
		AllowedAdvisors: datatypes.JSONSlice[string]{"A", "B"},
	}).Error)

	h := newHarness(t, l)

	reply := h.send(2, "C")
	assert.Equal(t, fmt.Sprintf(msgPolicyDenied, ledger.MaxBasicAdvisors), reply.Text)

	reply = h.send(2, "B")
	assert.Contains(t, reply.Text, fmt.Sprintf(msgSwitched, "B"))
}

func TestConcurrentTurnsOfOneChatAreSerialized(t *testing.T) {
	l, db := setupLedger(t)
	require.NoError(t, db.Create(&ledger.UsageRecord{
		UserID:          3,
		RequestCount:    34,
		FirstRequestAt:  now.Add(-time.Hour),
		LastRequestAt:   now.Add(-time.Hour),
		AllowedAdvisors: datatypes.JSONSlice[string]{},
	}).Error)

	h := newHarness(t, l)
	h.send(3, "A")

	var wg sync.WaitGroup
	replies := make([]Reply, 4)
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i] = h.send(3, "question")
		}(i)
	}
	wg.Wait()

	answered := 0
	for _, r := range replies {
		if r.Text == "answer to question" {
			answered++
		} else {
			assert.Equal(t, msgQuotaDenied, r.Text)
		}
	}
	assert.Equal(t, 1, answered)
	assert.Equal(t, 1, h.completer.Calls())
}

func TestFailedSwitchKeepsBasicSlotFree(t *testing.T) {
	l, db := setupLedger(t)
	require.NoError(t, db.Create(&ledger.UsageRecord{
		UserID:          4,
		FirstRequestAt:  now.Add(-time.Hour),
		LastRequestAt:   now.Add(-time.Hour),
		Tariff:          ledger.TariffBasicMonth,
		TariffPaid:      true,
		AllowedAdvisors: datatypes.JSONSlice[string]{"A"},
	}).Error)

	h := newHarnessWithStore(t, l, failingStore{})

	reply := h.send(4, "C")
	assert.Equal(t, msgTryAgain, reply.Text)

	rec, err := l.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, []string(rec.AllowedAdvisors))

	h = newHarness(t, l)
	reply = h.send(4, "C")
	assert.Contains(t, reply.Text, fmt.Sprintf(msgSwitched, "C"))

	rec, err = l.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, []string(rec.AllowedAdvisors))
}
