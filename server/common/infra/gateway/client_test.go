package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshop_rt/server/common/apperr"
)

func TestPostFailsOverOn5xx(t *testing.T) {
	t.Parallel()
	var badHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}))
	defer good.Close()

	c := NewClient(Options{AuthToken: "secret"}, bad.URL, good.URL)
	for i := 0; i < 2; i++ {
		var out map[string]string
		require.NoError(t, c.Post(context.Background(), "send", map[string]string{"to": "x"}, &out))
		assert.Equal(t, "queued", out["status"])
	}
	assert.Equal(t, int32(1), badHits.Load())
}

func TestPostClassifiesFailures(t *testing.T) {
	t.Parallel()
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer rejecting.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	err := NewClient(Options{}, rejecting.URL).Post(context.Background(), "/send", nil, nil)
	assert.ErrorIs(t, err, apperr.ErrPermanentDelivery)

	err = NewClient(Options{}, down.URL).Post(context.Background(), "/send", nil, nil)
	assert.ErrorIs(t, err, apperr.ErrTransientDelivery)

	err = NewClient(Options{}).Post(context.Background(), "/send", nil, nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestEndpointCoolsDownAfterThreshold(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	c := NewClient(Options{FailThreshold: 2, Cooldown: time.Minute}, down.URL)
	for i := 0; i < 4; i++ {
		_ = c.Post(context.Background(), "/send", nil, nil)
	}
	assert.Equal(t, int32(2), hits.Load())
}
