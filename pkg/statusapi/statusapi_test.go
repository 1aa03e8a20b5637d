package statusapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/relayguard/aegis/pkg/cache"
	"github.com/relayguard/aegis/pkg/ratebudget"
)

func TestHealthz(t *testing.T) {
	srv := New(nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := srv.App.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCacheStatsUnconfigured(t *testing.T) {
	srv := New(nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	resp, err := srv.App.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCacheStatsConfigured(t *testing.T) {
	root := t.TempDir()
	c := cache.New(root)
	if err := c.Set("dashboard", "/widgets", []byte(`{"ok":true}`), nil); err != nil {
		t.Fatalf("Set: %v", err)
	}

	srv := New(c, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	resp, err := srv.App.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestBudgetStatus(t *testing.T) {
	root := t.TempDir()
	budget := ratebudget.NewManager(filepath.Join(root, "rate-state.json"), ratebudget.BudgetAllocation{
		Consumers: map[string]ratebudget.ConsumerLimit{"cyber-ops": {DailyLimit: 100, Priority: 1}},
	})

	srv := New(nil, budget, nil)
	req := httptest.NewRequest(http.MethodGet, "/budget/status", nil)
	resp, err := srv.App.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
