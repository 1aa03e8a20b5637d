package ratebudget

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/relayguard/aegis/pkg/filelock"
)

const (
	burstInterval        = 2 * time.Second
	burstMaxSleepable    = 5 * time.Second
	breakerErrorWindow   = 10 * time.Minute
	breakerErrorThreshold = 5
	breakerTripDuration  = 15 * time.Minute
	breakerExtended      = 30 * time.Minute
)

// Manager owns one persisted RateState file and the allocation table that
// governs it.
type Manager struct {
	Path   string
	Alloc  BudgetAllocation
	locker filelock.Locker
}

// NewManager returns a Manager backed by path, using the process-wide
// default locker (flock, or Redis when AEGIS_REDIS_URL is set).
func NewManager(path string, alloc BudgetAllocation) *Manager {
	return &Manager{Path: path, Alloc: alloc, locker: filelock.FromEnv()}
}

// NewManagerWithLocker allows substituting a RedisLocker for multi-host
// deployments sharing one budget.
func NewManagerWithLocker(path string, alloc BudgetAllocation, locker filelock.Locker) *Manager {
	return &Manager{Path: path, Alloc: alloc, locker: locker}
}

func (m *Manager) load(now time.Time) (RateState, error) {
	raw, err := os.ReadFile(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return newRateState(now), nil
		}
		return RateState{}, err
	}
	var s RateState
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Printf("[RateBudget] corrupted state %s, reinitializing: %v", m.Path, err)
		return newRateState(now), nil
	}
	return s, nil
}

func (m *Manager) save(s RateState) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return filelock.AtomicWriteFile(m.Path, encoded, 0o644)
}

// CheckBudget evaluates the deny cascade in order — breaker, upstream
// hard cap, global daily cap, global soft cap, consumer cap — and returns the
// decision. consumer must be a key present in m.Alloc.Consumers.
func (m *Manager) CheckBudget(consumer, endpoint string) (CheckResult, error) {
	var result CheckResult
	now := time.Now()

	err := m.locker.WithLock(context.Background(), m.Path, func() error {
		s, err := m.load(now)
		if err != nil {
			return err
		}
		s.rolloverIfNeeded(now)

		limit, ok := m.Alloc.Consumers[consumer]
		if !ok {
			limit = ConsumerLimit{}
		}

		result = m.evaluate(s, consumer, endpoint, limit, now)

		return m.save(s)
	})

	return result, err
}

func (m *Manager) evaluate(s RateState, consumer, endpoint string, limit ConsumerLimit, now time.Time) CheckResult {
	remainingDaily := limit.DailyLimit - s.DailyByConsumer[consumer]
	remainingHourly := limit.HourlyLimit - s.HourlyByConsumer[consumer]

	deny := func(reason string) CheckResult {
		return CheckResult{Allowed: false, Reason: reason, RemainingDaily: remainingDaily, RemainingHourly: remainingHourly}
	}
	allow := func(cacheOnly bool, reason string) CheckResult {
		return CheckResult{Allowed: true, CacheOnly: cacheOnly, Reason: reason, RemainingDaily: remainingDaily, RemainingHourly: remainingHourly}
	}

	// 1. Circuit breaker.
	if s.Breaker.Tripped(now) {
		return deny(ReasonBreaker)
	}

	// 2. Upstream snapshot hard-cap, except the profile probe.
	if s.LastSnapshot.Limit > 0 && endpoint != profileProbePath {
		pct := float64(s.LastSnapshot.Count) / float64(s.LastSnapshot.Limit)
		if pct >= m.Alloc.HardCapPercent {
			return deny(ReasonHardCap)
		}
	}

	// 3. Global daily cap.
	if m.Alloc.GlobalDailyCap > 0 && s.DailyTotal >= m.Alloc.GlobalDailyCap {
		return deny(ReasonDailyCap)
	}

	// 4. Global soft cap -> cache-only.
	if m.Alloc.GlobalDailyCap > 0 {
		softPct := float64(s.DailyTotal) / float64(m.Alloc.GlobalDailyCap)
		if softPct >= m.Alloc.SoftCapPercent {
			return allow(true, fmt.Sprintf("~%d%% global usage – cache-only", int(softPct*100)))
		}
	}

	// 5. Consumer's own counter.
	if limit.DailyLimit > 0 && s.DailyByConsumer[consumer] >= limit.DailyLimit {
		if !limit.MayBorrow {
			return deny("consumer-cap")
		}
		effective := limit.DailyLimit + m.unusedReserve(s, consumer, limit)
		if s.DailyByConsumer[consumer] >= effective {
			return deny("consumer-cap")
		}
	}

	// 6. Allow.
	return allow(false, "")
}

// unusedReserve computes the spare capacity a borrowing consumer may draw
// on: its own unused allocation, plus — for a priority-1 consumer — the
// unused allocation of every non-priority-1 consumer.
func (m *Manager) unusedReserve(s RateState, consumer string, limit ConsumerLimit) int {
	reserve := 0
	for name, l := range m.Alloc.Consumers {
		if name == consumer {
			continue
		}
		unused := l.DailyLimit - s.DailyByConsumer[name]
		if unused <= 0 {
			continue
		}
		if limit.Priority == 1 && l.Priority != 1 {
			reserve += unused
		}
	}
	return reserve
}

// RecordRequest increments all counters atomically with respect to the
// next CheckBudget call, and refreshes the upstream snapshot when
// snapshot is newer than the stored one.
func (m *Manager) RecordRequest(consumer, endpoint string, snapshot *RateSnapshot) error {
	now := time.Now()
	return m.locker.WithLock(context.Background(), m.Path, func() error {
		s, err := m.load(now)
		if err != nil {
			return err
		}
		s.rolloverIfNeeded(now)

		s.DailyByConsumer[consumer]++
		s.HourlyByConsumer[consumer]++
		s.DailyByEndpoint[endpoint]++
		s.DailyTotal++
		s.LastRequestAt = now

		if snapshot != nil && snapshot.ObservedAt.After(s.LastSnapshot.ObservedAt) {
			s.LastSnapshot = *snapshot
		}

		return m.save(s)
	})
}

// RecordError updates the circuit breaker on an upstream failure. Five
// errors within a 10-minute window trips the breaker for 15 minutes; a
// trip that re-fires during its cooldown extends it to 30 minutes.
func (m *Manager) RecordError() error {
	now := time.Now()
	return m.locker.WithLock(context.Background(), m.Path, func() error {
		s, err := m.load(now)
		if err != nil {
			return err
		}
		s.rolloverIfNeeded(now)

		b := s.Breaker
		if b.WindowStart.IsZero() || now.Sub(b.WindowStart) > breakerErrorWindow {
			b.WindowStart = now
			b.ConsecutiveErrors = 0
		}
		b.ConsecutiveErrors++

		if b.ConsecutiveErrors >= breakerErrorThreshold {
			wasTripped := b.Tripped(now)
			if wasTripped {
				b.TrippedUntil = now.Add(breakerExtended)
				b.ExtendedCooldown = true
			} else {
				b.TrippedUntil = now.Add(breakerTripDuration)
			}
		}
		s.Breaker = b

		return m.save(s)
	})
}

// RecordSuccess resets the breaker's consecutive-error count to 0 when
// the breaker is currently closed.
func (m *Manager) RecordSuccess() error {
	now := time.Now()
	return m.locker.WithLock(context.Background(), m.Path, func() error {
		s, err := m.load(now)
		if err != nil {
			return err
		}
		s.rolloverIfNeeded(now)

		if !s.Breaker.Tripped(now) {
			s.Breaker.ConsecutiveErrors = 0
		}

		return m.save(s)
	})
}

// Snapshot returns the current persisted RateState without mutating it,
// for read-only status reporting (pkg/statusapi).
func (m *Manager) Snapshot() (RateState, error) {
	now := time.Now()
	var s RateState
	err := m.locker.WithLock(context.Background(), m.Path, func() error {
		loaded, loadErr := m.load(now)
		if loadErr != nil {
			return loadErr
		}
		s = loaded
		return nil
	})
	return s, err
}

// BurstWait reports how long the caller must wait before the burst
// limiter's 2-second minimum spacing is satisfied. If the required wait
// exceeds 5 seconds, ok is false and the Gateway must deny rather than
// sleep.
func (m *Manager) BurstWait() (waitMS int64, ok bool, err error) {
	now := time.Now()
	lockErr := m.locker.WithLock(context.Background(), m.Path, func() error {
		s, loadErr := m.load(now)
		if loadErr != nil {
			return loadErr
		}
		if s.LastRequestAt.IsZero() {
			waitMS, ok = 0, true
			return nil
		}
		elapsed := now.Sub(s.LastRequestAt)
		if elapsed >= burstInterval {
			waitMS, ok = 0, true
			return nil
		}
		need := burstInterval - elapsed
		if need > burstMaxSleepable {
			waitMS, ok = need.Milliseconds(), false
			return nil
		}
		waitMS, ok = need.Milliseconds(), true
		return nil
	})
	return waitMS, ok, lockErr
}
