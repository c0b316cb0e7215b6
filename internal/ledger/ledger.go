// Package ledger tracks per-user usage and decides whether a chat turn may
// reach the completion API.
//
// Policy: a user without an active paid tariff gets QuotaRequests requests or
// QuotaWindow of wall time since the first request, whichever runs out first.
// Once exhausted the row is flagged blocked and stays blocked until an admin
// resets it or grants a tariff. Admins are never limited.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/advisor-llm-bot/internal/keylock"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a user has no usage record yet
var ErrNotFound = errors.New("usage record not found")

// StorageError wraps any database failure of a ledger operation
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Policy holds the free-usage limits
type Policy struct {
	Requests int
	Window   time.Duration
}

// DefaultPolicy is 35 requests within one week
var DefaultPolicy = Policy{Requests: 35, Window: 168 * time.Hour}

// Ledger manages usage records for users
type Ledger struct {
	db      *gorm.DB
	policy  Policy
	admins  map[int64]struct{}
	timeout time.Duration
	locks   keylock.Map
	logger  zerolog.Logger
}

// New creates a new usage ledger
func New(db *gorm.DB, policy Policy, adminIDs []int64, timeout time.Duration, logger zerolog.Logger) *Ledger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}

	return &Ledger{
		db:      db,
		policy:  policy,
		admins:  admins,
		timeout: timeout,
		logger:  logger.With().Str("component", "ledger").Logger(),
	}
}

// Policy returns the configured free-usage limits
func (l *Ledger) Policy() Policy {
	return l.policy
}

// IsAdmin reports whether the user is a configured administrator
func (l *Ledger) IsAdmin(userID int64) bool {
	_, ok := l.admins[userID]
	return ok
}

// CheckAndConsume decides whether userID may make one more request at now
// and records the request when allowed. Calls for the same user are
// linearizable: an in-process lock serializes them and the row is read
// FOR UPDATE inside a single transaction.
func (l *Ledger) CheckAndConsume(ctx context.Context, userID int64, now time.Time) (Decision, error) {
	if l.IsAdmin(userID) {
		l.logger.Debug().Int64("user_id", userID).Msg("Admin bypasses quota")
		return Allow, nil
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	decision := Deny
	reason := ""
	var count int

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := newRecord(userID, now)
		fresh.Blocked = fresh.RequestCount >= l.policy.Requests
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			decision, reason, count = Allow, "first_contact", fresh.RequestCount
			return nil
		}

		var rec UsageRecord
		if err := lockRecord(tx, userID, &rec); err != nil {
			return err
		}

		var dirty bool
		decision, reason, dirty = l.policy.apply(&rec, now)
		count = rec.RequestCount
		if !dirty {
			return nil
		}
		return tx.Save(&rec).Error
	})
	if err != nil {
		l.logger.Error().
			Err(err).
			Int64("user_id", userID).
			Msg("Failed to check quota")
		return Deny, &StorageError{Op: "check_and_consume", Err: err}
	}

	l.logger.Debug().
		Int64("user_id", userID).
		Str("decision", decision.String()).
		Str("reason", reason).
		Int("request_count", count).
		Int("limit", l.policy.Requests).
		Msg("Quota checked")

	return decision, nil
}

// apply evaluates one request against rec, mutating it; dirty reports
// whether rec must be persisted
func (p Policy) apply(rec *UsageRecord, now time.Time) (decision Decision, reason string, dirty bool) {
	switch {
	case rec.IsAdmin:
		return Allow, "admin", false

	case rec.HasActiveTariff(now):
		rec.RequestCount++
		rec.LastRequestAt = now
		return Allow, "tariff", true

	case rec.Blocked:
		return Deny, "blocked", false

	case rec.RequestCount >= p.Requests || now.Sub(rec.FirstRequestAt) >= p.Window:
		rec.Blocked = true
		return Deny, "quota_exhausted", true
	}

	rec.RequestCount++
	rec.LastRequestAt = now
	if rec.RequestCount >= p.Requests {
		rec.Blocked = true
	}
	return Allow, "quota", true
}

// Get returns the usage record of a user
func (l *Ledger) Get(ctx context.Context, userID int64) (*UsageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var rec UsageRecord
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return &rec, nil
}

// CanSelect reports whether the user may switch to the advisor identified
// by key. Only an active basic tariff restricts the choice: a full set of
// advisors rejects any non-member. It does not change the record; the slot
// is taken by ClaimAdvisor once the switch has been stored.
func (l *Ledger) CanSelect(ctx context.Context, userID int64, key string, now time.Time) (bool, error) {
	if l.IsAdmin(userID) {
		return true, nil
	}

	rec, err := l.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		l.logger.Error().
			Err(err).
			Int64("user_id", userID).
			Str("advisor", key).
			Msg("Failed to check advisor access")
		return false, err
	}

	allowed, _ := advisorAccess(rec, key, now)
	return allowed, nil
}

// ClaimAdvisor takes a free basic-tariff slot for key. It reports false when
// the set filled up since CanSelect; members and unrestricted users get true
// with no change.
func (l *Ledger) ClaimAdvisor(ctx context.Context, userID int64, key string, now time.Time) (bool, error) {
	if l.IsAdmin(userID) {
		return true, nil
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	allowed := true
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec UsageRecord
		err := lockRecord(tx, userID, &rec)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var claim bool
		allowed, claim = advisorAccess(&rec, key, now)
		if !claim {
			return nil
		}

		rec.AllowedAdvisors = append(rec.AllowedAdvisors, key)
		l.logger.Info().
			Int64("user_id", userID).
			Str("advisor", key).
			Int("slots_used", len(rec.AllowedAdvisors)).
			Msg("Advisor slot claimed")
		return tx.Model(&rec).Update("advisors", rec.AllowedAdvisors).Error
	})
	if err != nil {
		l.logger.Error().
			Err(err).
			Int64("user_id", userID).
			Str("advisor", key).
			Msg("Failed to claim advisor slot")
		return false, &StorageError{Op: "claim_advisor", Err: err}
	}

	return allowed, nil
}

// advisorAccess decides whether rec may use key and whether doing so takes
// a new slot
func advisorAccess(rec *UsageRecord, key string, now time.Time) (allowed, claim bool) {
	if rec.IsAdmin || !rec.Tariff.IsBasic() || !rec.HasActiveTariff(now) || rec.HasAdvisor(key) {
		return true, false
	}
	if len(rec.AllowedAdvisors) >= MaxBasicAdvisors {
		return false, false
	}
	return true, true
}

// GrantTariff puts the user on tariff starting at now, clearing any block.
// advisors pre-fills the allowed set of a basic tariff and is ignored otherwise.
// TariffNone revokes the paid tariff.
func (l *Ledger) GrantTariff(ctx context.Context, userID int64, tariff Tariff, advisors []string, now time.Time) (*UsageRecord, error) {
	if tariff.IsBasic() && len(advisors) > MaxBasicAdvisors {
		return nil, fmt.Errorf("tariff %s allows at most %d advisors, got %d", tariff, MaxBasicAdvisors, len(advisors))
	}
	if !tariff.IsBasic() {
		advisors = nil
	}

	rec, err := l.mutate(ctx, "grant_tariff", userID, now, func(rec *UsageRecord) {
		rec.Tariff = tariff
		rec.TariffPaid = tariff != TariffNone
		rec.Blocked = false
		rec.RequestCount = 0
		rec.FirstRequestAt = now
		rec.AllowedAdvisors = append(datatypes.JSONSlice[string]{}, advisors...)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Int64("user_id", userID).
		Str("tariff", tariff.String()).
		Strs("advisors", advisors).
		Msg("Tariff granted")

	return rec, nil
}

// Reset clears the counter and the block, restarting the free window at now
func (l *Ledger) Reset(ctx context.Context, userID int64, now time.Time) (*UsageRecord, error) {
	rec, err := l.mutate(ctx, "reset", userID, now, func(rec *UsageRecord) {
		rec.RequestCount = 0
		rec.Blocked = false
		rec.FirstRequestAt = now
		rec.LastRequestAt = now
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info().Int64("user_id", userID).Msg("Usage reset")
	return rec, nil
}

// SetAdmin flags or unflags a user as administrator in the database
func (l *Ledger) SetAdmin(ctx context.Context, userID int64, admin bool) error {
	_, err := l.mutate(ctx, "set_admin", userID, time.Now(), func(rec *UsageRecord) {
		rec.IsAdmin = admin
	})
	return err
}

// mutate loads (or creates) the record under lock, applies fn and saves it
func (l *Ledger) mutate(ctx context.Context, op string, userID int64, now time.Time, fn func(rec *UsageRecord)) (*UsageRecord, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var rec UsageRecord
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := newRecord(userID, now)
		fresh.RequestCount = 0
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
			return err
		}
		if err := lockRecord(tx, userID, &rec); err != nil {
			return err
		}
		fn(&rec)
		return tx.Save(&rec).Error
	})
	if err != nil {
		l.logger.Error().
			Err(err).
			Str("operation", op).
			Int64("user_id", userID).
			Msg("Ledger update failed")
		return nil, &StorageError{Op: op, Err: err}
	}
	return &rec, nil
}

// ExpireTariffs clears the paid flag of every tariff that ended before now
func (l *Ledger) ExpireTariffs(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var paid []UsageRecord
	if err := l.db.WithContext(ctx).Where("tariff_paid = ?", true).Find(&paid).Error; err != nil {
		return 0, &StorageError{Op: "expire_tariffs", Err: err}
	}

	var expired []int64
	for i := range paid {
		if !paid[i].HasActiveTariff(now) {
			expired = append(expired, paid[i].UserID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	res := l.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("user_id IN ?", expired).
		Update("tariff_paid", false)
	if res.Error != nil {
		return 0, &StorageError{Op: "expire_tariffs", Err: res.Error}
	}

	l.logger.Info().
		Int64("expired", res.RowsAffected).
		Msg("Expired tariffs cleared")

	return res.RowsAffected, nil
}

// Summary is an aggregate view of the ledger for admins
type Summary struct {
	Users   int64
	Blocked int64
	Paid    int64
}

// Summarize counts users, blocked users and paid users
func (l *Ledger) Summarize(ctx context.Context) (*Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var s Summary
	db := l.db.WithContext(ctx).Model(&UsageRecord{})
	if err := db.Count(&s.Users).Error; err != nil {
		return nil, &StorageError{Op: "summarize", Err: err}
	}
	if err := l.db.WithContext(ctx).Model(&UsageRecord{}).Where("blocked = ?", true).Count(&s.Blocked).Error; err != nil {
		return nil, &StorageError{Op: "summarize", Err: err}
	}
	if err := l.db.WithContext(ctx).Model(&UsageRecord{}).Where("tariff_paid = ?", true).Count(&s.Paid).Error; err != nil {
		return nil, &StorageError{Op: "summarize", Err: err}
	}
	return &s, nil
}

func newRecord(userID int64, now time.Time) UsageRecord {
	return UsageRecord{
		UserID:          userID,
		RequestCount:    1,
		FirstRequestAt:  now,
		LastRequestAt:   now,
		AllowedAdvisors: datatypes.JSONSlice[string]{},
	}
}

func lockRecord(tx *gorm.DB, userID int64, rec *UsageRecord) error {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(rec).Error
}
