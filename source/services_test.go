package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewServiceClientEmptyURL(t *testing.T) {
	assert.Nil(t, NewServiceClient("order", "", time.Second, zap.NewNop()))
}

func TestGetJSONNon2xxIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no data"}`))
	}))
	defer srv.Close()

	c := NewServiceClient("order", srv.URL, time.Second, zap.NewNop())
	var out map[string]interface{}
	err := c.GetJSON(context.Background(), "/x", nil, &out)

	var up *UpstreamError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, http.StatusNotFound, up.Status)
}

func TestBranchDayMarksMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("branch_id"))
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("date"))
		if r.URL.Path == "/api/v1/branch-metrics/reviews" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value": 1}`))
	}))
	defer srv.Close()

	s := Services{Order: NewServiceClient("order", srv.URL, time.Second, zap.NewNop())}
	results := s.BranchDay(context.Background(), 3, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.Len(t, results, 6)

	ok := map[string]bool{}
	for _, r := range results {
		ok[r.Name] = r.OK()
	}
	assert.True(t, ok[EndpointRevenue])
	assert.False(t, ok[EndpointReviews])
	// catalog not configured
	assert.False(t, ok[EndpointInventory])
	assert.False(t, ok[EndpointMaterialCost])
}

func TestCircuitBreakerOpensAndProbes(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.fail()
	assert.True(t, cb.allow())
	cb.fail()
	assert.False(t, cb.allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.allow())
	cb.fail()
	assert.False(t, cb.allow())

	now = now.Add(2 * time.Minute)
	require.True(t, cb.allow())
	cb.success()
	assert.True(t, cb.allow())
}
