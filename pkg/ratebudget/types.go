// Package ratebudget implements the rate-budget check/record/breaker
// machinery: per-consumer daily/hourly counters with
// borrowing, a global soft/hard-cap cascade, a burst limiter, and a
// circuit breaker, all persisted in one file-locked RateState per
// process group.
package ratebudget

import "time"

// RateSnapshot is the most recently observed upstream X-Ratelimit-*
// header set, used as authoritative state when fresher than local
// counters.
type RateSnapshot struct {
	Count      int       `json:"count"`
	Limit      int       `json:"limit"`
	ResetEpoch int64     `json:"reset_epoch"`
	Percent    float64   `json:"percent"`
	ObservedAt time.Time `json:"observed_at"`
}

// BreakerState tracks the circuit breaker's consecutive-error window and
// trip/cooldown bookkeeping.
type BreakerState struct {
	ConsecutiveErrors int       `json:"consecutive_errors"`
	WindowStart       time.Time `json:"window_start"`
	TrippedUntil      time.Time `json:"tripped_until"`
	ExtendedCooldown  bool      `json:"extended_cooldown"`
}

// Tripped reports whether the breaker is currently open at now.
func (b BreakerState) Tripped(now time.Time) bool {
	return now.Before(b.TrippedUntil)
}

// RateState is the full persisted state for one budget domain (e.g. one
// upstream API). Counters are bucketed by the current day/hour/month key
// so rollover-on-access can zero stale buckets lazily.
type RateState struct {
	DayKey   string `json:"day_key"`
	HourKey  string `json:"hour_key"`
	MonthKey string `json:"month_key"`

	DailyByConsumer  map[string]int `json:"daily_by_consumer"`
	HourlyByConsumer map[string]int `json:"hourly_by_consumer"`
	DailyByEndpoint  map[string]int `json:"daily_by_endpoint"`
	DailyTotal       int            `json:"daily_total"`

	LastSnapshot    RateSnapshot `json:"last_snapshot"`
	LastRequestAt   time.Time    `json:"last_request_at"`
	Breaker         BreakerState `json:"breaker"`
}

func newRateState(now time.Time) RateState {
	return RateState{
		DayKey:           dayKey(now),
		HourKey:          hourKey(now),
		MonthKey:         monthKey(now),
		DailyByConsumer:  map[string]int{},
		HourlyByConsumer: map[string]int{},
		DailyByEndpoint:  map[string]int{},
	}
}

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func hourKey(t time.Time) string  { return t.UTC().Format("2006-01-02T15") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// rolloverIfNeeded zeros the stale buckets when the stored key no longer
// matches the current day/hour/month.
func (s *RateState) rolloverIfNeeded(now time.Time) {
	if s.DayKey != dayKey(now) {
		s.DayKey = dayKey(now)
		s.DailyByConsumer = map[string]int{}
		s.DailyByEndpoint = map[string]int{}
		s.DailyTotal = 0
	}
	if s.HourKey != hourKey(now) {
		s.HourKey = hourKey(now)
		s.HourlyByConsumer = map[string]int{}
	}
	if s.MonthKey != monthKey(now) {
		s.MonthKey = monthKey(now)
	}
}

// BudgetAllocation holds every consumer's limits plus the global caps
// that apply across all consumers.
type BudgetAllocation struct {
	Consumers map[string]ConsumerLimit `json:"consumers"`

	GlobalDailyCap  int     `json:"global_daily_cap"`
	SoftCapPercent  float64 `json:"soft_cap_percent"` // e.g. 0.85
	HardCapPercent  float64 `json:"hard_cap_percent"` // e.g. 0.90
}

// ConsumerLimit is one consumer's configured budget.
type ConsumerLimit struct {
	DailyLimit  int  `json:"daily_limit"`
	HourlyLimit int  `json:"hourly_limit"`
	Priority    int  `json:"priority"` // 1 = highest
	MayBorrow   bool `json:"may_borrow"`
}

// CheckResult is the decision returned by Manager.CheckBudget.
type CheckResult struct {
	Allowed        bool   `json:"allowed"`
	CacheOnly      bool   `json:"cache_only,omitempty"`
	WaitMS         int64  `json:"wait_ms,omitempty"`
	Reason         string `json:"reason,omitempty"`
	RemainingDaily int    `json:"remaining_daily"`
	RemainingHourly int   `json:"remaining_hourly"`
}

// Deny reasons.
const (
	ReasonBreaker  = "breaker"
	ReasonHardCap  = "hard-cap"
	ReasonDailyCap = "daily-cap"
)

// profileProbePath is exempted from the hard-cap deny.
const profileProbePath = "/profile"
