package livecall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twh-onepiece/livecall/shared"
)

// topicServer fakes the topic-suggestion backend: session handshake,
// streaming endpoint and session deletion.
type topicServer struct {
	srv *httptest.Server

	initial []TopicSuggestion

	mu      sync.Mutex
	created []createSessionRequest
	deleted []string
	conn    *websocket.Conn
	inbound []conversationsPayload
}

func newTopicServer(t *testing.T) *topicServer {
	t.Helper()
	ts := &topicServer{
		initial: []TopicSuggestion{
			{ID: 1, Text: "Ask about their weekend", Type: "icebreaker", Score: 0.8},
			{ID: 2, Text: "Mention the festival", Type: "icebreaker", Score: 0.6},
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		ts.mu.Lock()
		ts.created = append(ts.created, req)
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createSessionResponse{
			SessionID:          "session-1",
			Status:             "created",
			CommonInterests:    []string{"music"},
			InitialSuggestions: ts.initial,
		})
	})
	mux.HandleFunc("GET /sessions/session-1/topics", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var p conversationsPayload
			if err := json.Unmarshal(data, &p); err != nil {
				continue
			}
			ts.mu.Lock()
			ts.inbound = append(ts.inbound, p)
			ts.mu.Unlock()
		}
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.deleted = append(ts.deleted, r.PathValue("id"))
		ts.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *topicServer) streamConn() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.conn
}

func (ts *topicServer) push(t *testing.T, payload string) {
	t.Helper()
	require.Eventually(t, func() bool { return ts.streamConn() != nil }, time.Second, 10*time.Millisecond)
	require.NoError(t, ts.streamConn().WriteMessage(websocket.TextMessage, []byte(payload)))
}

type topicRecorder struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *topicRecorder) cb(topics []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, topics)
}

func (r *topicRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *topicRecorder) batch(i int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func newStartedTopicSession(t *testing.T, ts *topicServer, rec *topicRecorder) *TopicSession {
	t.Helper()
	s, err := NewTopicSession(shared.NewNopLogger(), ts.srv.URL)
	require.NoError(t, err)
	s.SetUserProfiles(
		UserProfile{UserID: "alice", SNSData: map[string]any{"interests": []any{"music"}}},
		UserProfile{UserID: "bob"},
	)
	require.NoError(t, s.Start(context.Background(), rec.cb))
	return s
}

func TestTopicSessionHandshake(t *testing.T) {
	ts := newTopicServer(t)
	rec := &topicRecorder{}
	s := newStartedTopicSession(t, ts, rec)
	t.Cleanup(func() { _ = s.End(context.Background()) })

	assert.Equal(t, StreamActive, s.State())

	// initial suggestions arrive from the handshake, before any stream push
	require.Equal(t, 1, rec.count())
	assert.Equal(t, []string{"Ask about their weekend", "Mention the festival"}, rec.batch(0))

	ts.mu.Lock()
	require.Len(t, ts.created, 1)
	assert.Equal(t, "alice", ts.created[0].Speaker.UserID)
	assert.Equal(t, "bob", ts.created[0].Listener.UserID)
	ts.mu.Unlock()
}

func TestTopicSessionStreamUpdates(t *testing.T) {
	ts := newTopicServer(t)
	rec := &topicRecorder{}
	s := newStartedTopicSession(t, ts, rec)
	t.Cleanup(func() { _ = s.End(context.Background()) })

	ts.push(t, `{"status":"active","current_topic":"music","suggestions":[{"id":3,"text":"Ask about favorite bands","type":"question","score":0.9}]}`)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Ask about favorite bands"}, rec.batch(1))
}

func TestTopicSessionSurvivesBackendError(t *testing.T) {
	ts := newTopicServer(t)
	rec := &topicRecorder{}
	s := newStartedTopicSession(t, ts, rec)
	t.Cleanup(func() { _ = s.End(context.Background()) })

	ts.push(t, `{"type":"error","error":"model overloaded","session_id":"session-1"}`)
	ts.push(t, `{"status":"active","suggestions":[{"id":4,"text":"Still alive","type":"question","score":0.5}]}`)

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Still alive"}, rec.batch(1))
	assert.Equal(t, StreamActive, s.State())
}

func TestTopicSessionDropsMalformedPayload(t *testing.T) {
	ts := newTopicServer(t)
	rec := &topicRecorder{}
	s := newStartedTopicSession(t, ts, rec)
	t.Cleanup(func() { _ = s.End(context.Background()) })

	ts.push(t, `{not json`)
	ts.push(t, `{"status":"active","suggestions":[{"id":5,"text":"After garbage","type":"question","score":0.4}]}`)

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"After garbage"}, rec.batch(1))
}

func TestTopicSessionPush(t *testing.T) {
	ts := newTopicServer(t)
	rec := &topicRecorder{}
	s := newStartedTopicSession(t, ts, rec)
	t.Cleanup(func() { _ = s.End(context.Background()) })

	batch := []ConversationMessage{
		{UserID: "111", Text: "hey", Timestamp: 1700000000000},
		{UserID: "222", Text: "hi there", Timestamp: 1700000001000},
	}
	require.NoError(t, s.Push(batch))

	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.inbound) == 1
	}, time.Second, 10*time.Millisecond)
	ts.mu.Lock()
	require.Len(t, ts.inbound[0].Conversations, 2)
	assert.Equal(t, "hey", ts.inbound[0].Conversations[0].Text)
	assert.Equal(t, "hi there", ts.inbound[0].Conversations[1].Text)
	ts.mu.Unlock()
}

func TestTopicSessionPushBeforeStart(t *testing.T) {
	s, err := NewTopicSession(shared.NewNopLogger(), "http://unused.local")
	require.NoError(t, err)

	err = s.Push([]ConversationMessage{{Text: "x"}})
	require.Error(t, err)
	assert.True(t, shared.IsSessionState(err))
}

func TestTopicSessionStartWithoutProfiles(t *testing.T) {
	s, err := NewTopicSession(shared.NewNopLogger(), "http://unused.local")
	require.NoError(t, err)

	err = s.Start(context.Background(), func([]string) {})
	assert.ErrorIs(t, err, shared.ErrProfilesNotSet)
}

func TestTopicSessionStartHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	s, err := NewTopicSession(shared.NewNopLogger(), srv.URL)
	require.NoError(t, err)
	s.SetUserProfiles(UserProfile{UserID: "alice"}, UserProfile{UserID: "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, func([]string) {}) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("a canceled handshake must not block the caller")
	}
	assert.Equal(t, StreamIdle, s.State(), "a failed handshake must allow a retry")
}

func TestTopicSessionEndDeletesSession(t *testing.T) {
	ts := newTopicServer(t)
	rec := &topicRecorder{}
	s := newStartedTopicSession(t, ts, rec)

	require.NoError(t, s.End(context.Background()))
	assert.Equal(t, StreamClosed, s.State())

	ts.mu.Lock()
	require.Len(t, ts.deleted, 1)
	assert.Equal(t, "session-1", ts.deleted[0])
	ts.mu.Unlock()

	// second End is a no-op, no second delete
	require.NoError(t, s.End(context.Background()))
	ts.mu.Lock()
	assert.Len(t, ts.deleted, 1)
	ts.mu.Unlock()
}
