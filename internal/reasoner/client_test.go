package reasoner

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnixhq/linnixd/internal/alerts"
	"github.com/linnixhq/linnixd/internal/daemonerr"
)

func TestAnnotateReturnsInsightOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"insight":"likely a build tool fork storm"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-model", 30, time.Second, nil)
	insight, err := c.Annotate(t.Context(), alerts.Alert{ID: "a1", RuleID: "fork_rate"})
	require.NoError(t, err)
	assert.Equal(t, "likely a build tool fork storm", insight)
}

func TestAnnotateDeniedWhenOffline(t *testing.T) {
	offline := &atomic.Bool{}
	offline.Store(true)

	c := New("http://example.invalid", "", 30, time.Second, offline)
	_, err := c.Annotate(t.Context(), alerts.Alert{ID: "a1"})

	require.Error(t, err)
	assert.True(t, daemonerr.Is(err, daemonerr.Offline))
	assert.Equal(t, uint64(1), c.DeniedCount())
}

func TestAnnotateSurfacesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 30, time.Second, nil)
	_, err := c.Annotate(t.Context(), alerts.Alert{ID: "a1"})
	require.Error(t, err)
	assert.True(t, daemonerr.Is(err, daemonerr.IO))
}

func TestAnnotateAsyncCorrelatesOnBus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"insight":"noted"}`))
	}))
	defer srv.Close()

	bus := alerts.New(16)
	sa := bus.Publish(alerts.Alert{ID: "a1", RuleID: "fork_rate"})
	require.Equal(t, "a1", sa.Alert.ID)

	c := New(srv.URL, "", 30, time.Second, nil)
	c.AnnotateAsync(sa.Alert, bus)

	require.Eventually(t, func() bool {
		got, ok := bus.Get("a1")
		return ok && got.Alert.Insight != nil && *got.Alert.Insight == "noted"
	}, time.Second, 10*time.Millisecond)
}
