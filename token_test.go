package livecall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twh-onepiece/livecall/shared"
)

func TestStaticTokenProvider(t *testing.T) {
	p := StaticTokenProvider{Value: "fixed-token"}
	token, err := p.Token(context.Background(), "alice_bob", 42, "publisher")
	require.NoError(t, err)
	assert.Equal(t, "fixed-token", token)
}

func TestHTTPTokenProvider(t *testing.T) {
	var mu sync.Mutex
	var got tokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: "issued-token"})
	}))
	t.Cleanup(srv.Close)

	p := HTTPTokenProvider{URL: srv.URL}
	token, err := p.Token(context.Background(), "alice_bob", 42, "publisher")
	require.NoError(t, err)
	assert.Equal(t, "issued-token", token)

	mu.Lock()
	assert.Equal(t, "alice_bob", got.ChannelName)
	assert.Equal(t, uint32(42), got.UID)
	assert.Equal(t, "publisher", got.Role)
	mu.Unlock()
}

func TestHTTPTokenProviderEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{})
	}))
	t.Cleanup(srv.Close)

	p := HTTPTokenProvider{URL: srv.URL}
	_, err := p.Token(context.Background(), "alice_bob", 42, "publisher")
	assert.Error(t, err)
}

func TestHTTPTokenProviderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := HTTPTokenProvider{URL: srv.URL}
	_, err := p.Token(context.Background(), "alice_bob", 42, "publisher")
	assert.Error(t, err)
}

func TestHTTPTokenProviderUnreachable(t *testing.T) {
	p := HTTPTokenProvider{URL: "http://127.0.0.1:1/token"}
	_, err := p.Token(context.Background(), "alice_bob", 42, "publisher")
	require.Error(t, err)
	assert.True(t, shared.IsConnection(err))
}

func TestHTTPTokenProviderHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := HTTPTokenProvider{URL: srv.URL}
	done := make(chan error, 1)
	go func() {
		_, err := p.Token(ctx, "alice_bob", 42, "publisher")
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("a canceled token fetch must not block the caller")
	}
}
