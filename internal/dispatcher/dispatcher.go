// Package dispatcher runs one chat turn: advisor selection, quota gating
// and relaying the question to the completion API.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/advisor-llm-bot/internal/ledger"
	"github.com/advisor-llm-bot/internal/metrics"
	"github.com/advisor-llm-bot/internal/models"
	"github.com/advisor-llm-bot/internal/profiles"
	"github.com/advisor-llm-bot/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// KeyboardColumns is how many advisor buttons go in one keyboard row
const KeyboardColumns = 2

// Profiles resolves advisor names
type Profiles interface {
	Lookup(name string) (profiles.Profile, bool)
	Rows(perRow int) [][]string
}

// Ledger gates requests by quota and tariff
type Ledger interface {
	CheckAndConsume(ctx context.Context, userID int64, now time.Time) (ledger.Decision, error)
	CanSelect(ctx context.Context, userID int64, key string, now time.Time) (bool, error)
	ClaimAdvisor(ctx context.Context, userID int64, key string, now time.Time) (bool, error)
}

// Router tracks each chat's advisor
type Router interface {
	Lock(chatID int64) func()
	Select(ctx context.Context, chatID int64, key string) (session.Selection, error)
	Current(ctx context.Context, chatID int64) (string, bool, error)
	Clear(ctx context.Context, chatID int64) error
}

// Completer calls the completion API
type Completer interface {
	Complete(ctx context.Context, req *models.CompletionRequest) *models.CompletionResult
	Provider() models.Provider
}

// RequestLogger stores an audit entry per completed turn
type RequestLogger interface {
	LogRequest(ctx context.Context, log *models.RequestLog) error
}

// Inbound is one text message from a user
type Inbound struct {
	ChatID   int64
	UserID   int64
	Username string
	Text     string
}

// Reply is what the transport sends back
type Reply struct {
	Text string
	// Buttons, when set, replaces the chat keyboard
	Buttons [][]string
	// Markdown marks completion output that may carry Telegram markup
	Markdown bool
}

// Dispatcher wires the turn state machine to its collaborators
type Dispatcher struct {
	profiles  Profiles
	ledger    Ledger
	router    Router
	completer Completer
	requests  RequestLogger
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    zerolog.Logger
	pending   sync.WaitGroup // request log writes still in flight
}

// New creates a dispatcher. requests and m may be nil.
func New(p Profiles, l Ledger, r Router, c Completer, requests RequestLogger, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		profiles:  p,
		ledger:    l,
		router:    r,
		completer: c,
		requests:  requests,
		metrics:   m,
		now:       time.Now,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Menu is the /start reply: greeting plus the advisor keyboard
func (d *Dispatcher) Menu() Reply {
	return Reply{Text: msgMenu, Buttons: d.profiles.Rows(KeyboardColumns)}
}

// Info returns the welcome text of the chat's current advisor
func (d *Dispatcher) Info(ctx context.Context, chatID int64) Reply {
	key, ok, err := d.router.Current(ctx, chatID)
	if err != nil {
		d.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to read session")
		return Reply{Text: msgTryAgain}
	}
	if !ok {
		return Reply{Text: msgSelectFirst}
	}

	p, ok := d.profiles.Lookup(key)
	if !ok {
		return d.selectFirst()
	}
	welcome := p.Welcome
	if welcome == "" {
		welcome = msgNoInfo
	}
	return Reply{Text: fmt.Sprintf(msgInfo, p.Name, welcome)}
}

// Handle runs one turn. The chat stays locked for the whole turn so that
// a session switch and its reply are never interleaved with another
// message of the same chat.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound) (reply Reply) {
	unlock := d.router.Lock(in.ChatID)
	defer unlock()

	logger := d.logger.With().
		Str("turn_id", uuid.NewString()).
		Int64("chat_id", in.ChatID).
		Int64("user_id", in.UserID).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Msg("Recovered from panic in turn")
			d.metrics.Turn(metrics.OutcomeUpstreamErr)
			reply = Reply{Text: msgUpstreamError}
		}
	}()

	text := strings.TrimSpace(in.Text)
	if text == "" {
		d.metrics.Turn(metrics.OutcomeEmpty)
		return d.selectFirst()
	}

	if p, ok := d.profiles.Lookup(text); ok {
		return d.switchTo(ctx, logger, in, p)
	}

	key, ok, err := d.router.Current(ctx, in.ChatID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read session")
		d.metrics.Turn(metrics.OutcomeStorageError)
		return Reply{Text: msgTryAgain}
	}
	if !ok {
		d.metrics.Turn(metrics.OutcomeNoAdvisor)
		return d.selectFirst()
	}

	p, ok := d.profiles.Lookup(key)
	if !ok {
		// Advisor removed from the directory since the session was stored.
		logger.Warn().Str("advisor", key).Msg("Session points to unknown advisor")
		d.metrics.Turn(metrics.OutcomeNoAdvisor)
		return d.selectFirst()
	}

	return d.ask(ctx, logger, in, p, text)
}

func (d *Dispatcher) switchTo(ctx context.Context, logger zerolog.Logger, in Inbound, p profiles.Profile) Reply {
	allowed, err := d.ledger.CanSelect(ctx, in.UserID, p.Key(), d.now())
	if err != nil {
		logger.Error().Err(err).Str("advisor", p.Name).Msg("Failed to check advisor access")
		d.metrics.Turn(metrics.OutcomeStorageError)
		return Reply{Text: msgTryAgain}
	}
	if !allowed {
		logger.Info().Str("advisor", p.Name).Msg("Advisor not included in tariff")
		d.metrics.Turn(metrics.OutcomePolicyDenied)
		return Reply{Text: fmt.Sprintf(msgPolicyDenied, ledger.MaxBasicAdvisors)}
	}

	sel, err := d.router.Select(ctx, in.ChatID, p.Key())
	if err != nil {
		logger.Error().Err(err).Str("advisor", p.Name).Msg("Failed to store session")
		d.metrics.Turn(metrics.OutcomeStorageError)
		return Reply{Text: msgTryAgain}
	}

	// The slot is taken only after the session is stored, so a failed
	// switch never uses one up.
	claimed, err := d.ledger.ClaimAdvisor(ctx, in.UserID, p.Key(), d.now())
	if err != nil || !claimed {
		d.restore(ctx, logger, in.ChatID, sel.Previous)
		if err != nil {
			logger.Error().Err(err).Str("advisor", p.Name).Msg("Failed to claim advisor slot")
			d.metrics.Turn(metrics.OutcomeStorageError)
			return Reply{Text: msgTryAgain}
		}
		logger.Info().Str("advisor", p.Name).Msg("Advisor slots filled concurrently")
		d.metrics.Turn(metrics.OutcomePolicyDenied)
		return Reply{Text: fmt.Sprintf(msgPolicyDenied, ledger.MaxBasicAdvisors)}
	}

	text := fmt.Sprintf(msgSwitched, p.Name)
	if sel.FirstVisit {
		welcome := p.Welcome
		if welcome == "" {
			welcome = msgDefaultHello
		}
		text = fmt.Sprintf(msgWelcome, welcome) + "\n\n" + text
	}

	d.metrics.Turn(metrics.OutcomeSwitch)
	return Reply{Text: text}
}

// restore puts the chat back on its previous advisor after a rejected switch
func (d *Dispatcher) restore(ctx context.Context, logger zerolog.Logger, chatID int64, previous string) {
	var err error
	if previous == "" {
		err = d.router.Clear(ctx, chatID)
	} else {
		_, err = d.router.Select(ctx, chatID, previous)
	}
	if err != nil {
		logger.Error().Err(err).Str("advisor", previous).Msg("Failed to restore previous advisor")
	}
}

func (d *Dispatcher) ask(ctx context.Context, logger zerolog.Logger, in Inbound, p profiles.Profile, text string) Reply {
	decision, err := d.ledger.CheckAndConsume(ctx, in.UserID, d.now())
	if err != nil {
		logger.Error().Err(err).Msg("Quota check failed")
		d.metrics.Turn(metrics.OutcomeStorageError)
		return Reply{Text: msgTryAgain}
	}
	if decision == ledger.Deny {
		logger.Info().Msg("Quota exhausted")
		d.metrics.Turn(metrics.OutcomeQuotaDenied)
		return Reply{Text: msgQuotaDenied}
	}

	logger.Info().
		Str("advisor", p.Name).
		Int("question_length", len([]rune(text))).
		Msg("Relaying question")

	res := d.completer.Complete(ctx, &models.CompletionRequest{
		UserID:       in.UserID,
		ChatID:       in.ChatID,
		SystemPrompt: p.SystemPrompt + FormattingSuffix,
		Text:         text,
	})

	d.logRequest(ctx, logger, in, p, text, res)

	provider := d.completer.Provider().String()
	elapsed := time.Duration(res.ExecutionTimeMs) * time.Millisecond

	switch {
	case res.OK():
		d.metrics.Completion(provider, metrics.CompletionOK, elapsed)
		d.metrics.Turn(metrics.OutcomeReply)
		return Reply{Text: res.Text, Markdown: true}

	case res.RateLimited():
		logger.Warn().Err(res.Err).Str("model", res.ModelUsed).Msg("Completion API rate limited")
		d.metrics.Completion(provider, metrics.CompletionRateLimited, elapsed)
		d.metrics.Turn(metrics.OutcomeRateLimited)
		return Reply{Text: msgSlowDown}
	}

	logger.Error().Err(res.Err).Str("model", res.ModelUsed).Msg("Completion failed")
	d.metrics.Completion(provider, metrics.CompletionError, elapsed)
	d.metrics.Turn(metrics.OutcomeUpstreamErr)
	return Reply{Text: msgUpstreamError}
}

// logRequest writes the audit entry in the background so a slow request
// log never delays the reply or holds the chat lock. Failures are only logged.
func (d *Dispatcher) logRequest(ctx context.Context, logger zerolog.Logger, in Inbound, p profiles.Profile, text string, res *models.CompletionResult) {
	if d.requests == nil {
		return
	}

	entry := &models.RequestLog{
		UserID:          in.UserID,
		Username:        in.Username,
		ChatID:          in.ChatID,
		Advisor:         p.Key(),
		RequestText:     text,
		ResponseText:    res.Text,
		ModelUsed:       res.ModelUsed,
		ResponseLength:  res.Length,
		ExecutionTimeMs: res.ExecutionTimeMs,
		CreatedAt:       d.now().UTC(),
	}
	if res.Err != nil {
		entry.ErrorMessage = res.Err.Error()
	}

	// The write outlives the turn; the request log client bounds it.
	ctx = context.WithoutCancel(ctx)

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		if err := d.requests.LogRequest(ctx, entry); err != nil {
			logger.Warn().Err(err).Msg("Failed to write request log")
		}
	}()
}

// Wait blocks until background request log writes finish or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) selectFirst() Reply {
	return Reply{Text: msgSelectFirst, Buttons: d.profiles.Rows(KeyboardColumns)}
}
