package ledger

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Tariff is a paid-access tier
type Tariff string

const (
	TariffNone          Tariff = ""
	TariffBasicMonth    Tariff = "basic_month"
	TariffBasicYear     Tariff = "basic_year"
	TariffExtendedMonth Tariff = "extended_month"
	TariffExtendedYear  Tariff = "extended_year"
)

// MaxBasicAdvisors is how many advisors a basic tariff may use
const MaxBasicAdvisors = 2

// ParseTariff converts user input ("basic_month", "Extended_Year") to a Tariff
func ParseTariff(s string) (Tariff, error) {
	t := Tariff(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TariffBasicMonth, TariffBasicYear, TariffExtendedMonth, TariffExtendedYear:
		return t, nil
	case "none":
		return TariffNone, nil
	}
	return TariffNone, fmt.Errorf("unknown tariff %q", s)
}

// IsBasic reports whether the tariff restricts the advisor set
func (t Tariff) IsBasic() bool {
	return t == TariffBasicMonth || t == TariffBasicYear
}

// Duration returns how long a paid tariff lasts
func (t Tariff) Duration() time.Duration {
	switch t {
	case TariffBasicMonth, TariffExtendedMonth:
		return 30 * 24 * time.Hour
	case TariffBasicYear, TariffExtendedYear:
		return 365 * 24 * time.Hour
	}
	return 0
}

// String returns string representation of Tariff
func (t Tariff) String() string {
	if t == TariffNone {
		return "none"
	}
	return string(t)
}

// Decision is the outcome of a quota check
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// UsageRecord is the per-user quota row
type UsageRecord struct {
	UserID          int64                       `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	RequestCount    int                         `gorm:"column:request_count;not null;default:0"`
	FirstRequestAt  time.Time                   `gorm:"column:first_request_at;not null"`
	LastRequestAt   time.Time                   `gorm:"column:last_request_at;not null"`
	IsAdmin         bool                        `gorm:"column:is_admin;not null;default:false"`
	Blocked         bool                        `gorm:"column:blocked;not null;default:false"`
	Tariff          Tariff                      `gorm:"column:tariff;not null;default:''"`
	TariffPaid      bool                        `gorm:"column:tariff_paid;not null;default:false"`
	AllowedAdvisors datatypes.JSONSlice[string] `gorm:"column:advisors;not null"`
}

// TableName specifies the table name for UsageRecord
func (UsageRecord) TableName() string {
	return "users"
}

// TariffExpiresAt returns when the paid tariff ends; ok is false when no tariff is paid
func (r *UsageRecord) TariffExpiresAt() (t time.Time, ok bool) {
	if !r.TariffPaid || r.Tariff == TariffNone {
		return time.Time{}, false
	}
	return r.FirstRequestAt.Add(r.Tariff.Duration()), true
}

// HasActiveTariff reports whether a paid tariff is in force at now
func (r *UsageRecord) HasActiveTariff(now time.Time) bool {
	expires, ok := r.TariffExpiresAt()
	return ok && now.Before(expires)
}

// HasAdvisor reports whether key is in the allowed advisor set
func (r *UsageRecord) HasAdvisor(key string) bool {
	for _, a := range r.AllowedAdvisors {
		if a == key {
			return true
		}
	}
	return false
}
