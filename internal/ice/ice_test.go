package ice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/watchparty/config"
	"github.com/mossy-p/watchparty/internal/logging"
)

var turnConfig = Config{
	ICEServers: []Server{
		{URLs: []string{"stun:stun.example:3478"}},
		{URLs: []string{"turn:turn.example:3478"}, Username: "u", Credential: "p"},
	},
	ICECandidatePoolSize: 4,
}

func newServer(t *testing.T, hits *atomic.Int32, body any, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProviderCachesWithinTTL(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits, turnConfig, 0)
	now := time.Now()
	p := NewProvider(ProviderOptions{Endpoint: srv.URL, Logger: logging.Discard(), Now: func() time.Time { return now }})

	assert.Equal(t, StatusUninitialized, p.Status())
	assert.Equal(t, Fallback(), p.GetSync())

	cfg := p.Get(context.Background())
	assert.Equal(t, turnConfig, cfg)
	assert.Equal(t, StatusReady, p.Status())

	now = now.Add(5 * time.Hour)
	p.Get(context.Background())
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(2 * time.Hour)
	p.Get(context.Background())
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, turnConfig, p.GetSync())
}

func TestProviderSharesInflightFetch(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits, turnConfig, 100*time.Millisecond)
	p := NewProvider(ProviderOptions{Endpoint: srv.URL, Logger: logging.Discard()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, turnConfig, p.Get(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestProviderFallsBackOnInvalidResponse(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits, map[string]any{"iceServers": []any{}}, 0)
	p := NewProvider(ProviderOptions{Endpoint: srv.URL, Logger: logging.Discard()})

	assert.Equal(t, Fallback(), p.Get(context.Background()))
	assert.Equal(t, StatusFallback, p.Status())
}

func TestProviderFallsBackOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	p := NewProvider(ProviderOptions{Endpoint: srv.URL, Logger: logging.Discard()})

	assert.Equal(t, Fallback(), p.Get(context.Background()))

	unreachable := NewProvider(ProviderOptions{Endpoint: "http://127.0.0.1:1/ice", Logger: logging.Discard()})
	assert.Equal(t, Fallback(), unreachable.Get(context.Background()))
}

func TestProviderReturnsLastKnownOnCancel(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits, turnConfig, 300*time.Millisecond)
	p := NewProvider(ProviderOptions{Endpoint: srv.URL, Logger: logging.Discard()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, Fallback(), p.Get(ctx))

	assert.Eventually(t, func() bool { return p.Status() == StatusReady }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, turnConfig, p.GetSync())
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.ICEConfig{
		Mode:              ModeSTUNTURN,
		STUNURLs:          []string{"stun:a"},
		TURNURLs:          []string{"turn:b"},
		TURNUsername:      "user",
		TURNPassword:      "pass",
		CandidatePoolSize: 10,
	}, logging.Discard())
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, "user", cfg.ICEServers[1].Username)
	assert.Equal(t, uint8(10), cfg.ICECandidatePoolSize)

	stunOnly := FromSettings(config.ICEConfig{Mode: ModeSTUNOnly, TURNURLs: []string{"turn:b"}}, logging.Discard())
	require.Len(t, stunOnly.ICEServers, 1)
	assert.Equal(t, defaultSTUN, stunOnly.ICEServers[0].URLs)

	turnOnly := FromSettings(config.ICEConfig{Mode: ModeTURNOnly}, logging.Discard())
	require.Len(t, turnOnly.ICEServers, 1)
	assert.Equal(t, defaultSTUN, turnOnly.ICEServers[0].URLs)
	assert.NoError(t, turnOnly.Validate())
}

func TestWebRTCConversion(t *testing.T) {
	pc := turnConfig.WebRTC()
	require.Len(t, pc.ICEServers, 2)
	assert.Equal(t, "u", pc.ICEServers[1].Username)
	assert.Equal(t, "p", pc.ICEServers[1].Credential)
	assert.Equal(t, uint8(4), pc.ICECandidatePoolSize)
}
