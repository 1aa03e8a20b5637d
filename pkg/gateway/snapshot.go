package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/relayguard/aegis/pkg/ratebudget"
)

// snapshotFromHeaders extracts the upstream X-Ratelimit-* headers into a
// RateSnapshot, or returns nil if the headers are absent.
func snapshotFromHeaders(h http.Header) *ratebudget.RateSnapshot {
	countStr := h.Get("X-Ratelimit-Count")
	limitStr := h.Get("X-Ratelimit-Limit")
	if countStr == "" || limitStr == "" {
		return nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit == 0 {
		return nil
	}
	resetEpoch, _ := strconv.ParseInt(h.Get("X-Ratelimit-Reset"), 10, 64)

	return &ratebudget.RateSnapshot{
		Count:      count,
		Limit:      limit,
		ResetEpoch: resetEpoch,
		Percent:    float64(count) / float64(limit),
		ObservedAt: time.Now(),
	}
}
