// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c *staticChecker) Name() string                      { return c.name }
func (c *staticChecker) Check(context.Context) CheckResult { return c.result }

func TestHealthAlwaysOK(t *testing.T) {
	m := NewManager("1.2.3")
	m.RegisterChecker(&staticChecker{name: "store", result: CheckResult{Status: StatusUnhealthy}})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Nil(t, resp.Checks)
}

func TestHealthVerboseIncludesChecks(t *testing.T) {
	m := NewManager("1.2.3")
	m.RegisterChecker(&staticChecker{name: "store", result: CheckResult{Status: StatusDegraded}})

	resp := m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	require.Contains(t, resp.Checks, "store")
}

func TestReadyStates(t *testing.T) {
	tests := []struct {
		name       string
		status     Status
		wantReady  bool
		wantStatus Status
		wantCode   int
	}{
		{"healthy", StatusHealthy, true, StatusHealthy, 200},
		{"degraded still ready", StatusDegraded, true, StatusDegraded, 200},
		{"unhealthy", StatusUnhealthy, false, StatusUnhealthy, 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("test")
			m.RegisterChecker(&staticChecker{name: "store", result: CheckResult{Status: tt.status}})

			rec := httptest.NewRecorder()
			m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantReady, resp.Ready)
			assert.Equal(t, tt.wantStatus, resp.Status)
		})
	}
}

func TestReadyNoCheckers(t *testing.T) {
	m := NewManager("test")
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestStoreChecker(t *testing.T) {
	var (
		checkErr error
		degraded bool
	)
	c := NewStoreChecker(
		func(context.Context) error { return checkErr },
		func() string { return "redis" },
		func() bool { return degraded },
	)
	assert.Equal(t, "store", c.Name())

	got := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, got.Status)
	assert.Equal(t, "redis", got.Message)

	degraded = true
	got = c.Check(context.Background())
	assert.Equal(t, StatusDegraded, got.Status)

	checkErr = errors.New("backend unreachable")
	got = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, got.Status)
	assert.Equal(t, "backend unreachable", got.Error)
}
