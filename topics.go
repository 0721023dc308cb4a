package livecall

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/twh-onepiece/livecall/shared"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// TopicsCallback receives a fresh suggestion list. Every delivery replaces
// the previous one wholesale; suggestions are never merged client-side.
type TopicsCallback func(topics []string)

// TopicSession drives the topic-suggestion backend for one call: a REST
// handshake that creates the server-side session, a streaming connection
// that carries conversation batches up and suggestion updates down, and a
// best-effort DELETE on teardown.
type TopicSession struct {
	logger  shared.LoggerAdapter
	baseURL string

	mu        sync.Mutex
	state     StreamState
	conn      *websocket.Conn
	cb        TopicsCallback
	sessionID string
	me        *UserProfile
	partner   *UserProfile
	done      chan struct{}
}

var _ TopicStream = (*TopicSession)(nil)

func NewTopicSession(logger shared.LoggerAdapter, baseURL string) (*TopicSession, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no topic base URL provided")
	}
	return &TopicSession{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		state:   StreamIdle,
	}, nil
}

// SetUserProfiles registers both sides of the conversation. Required before
// Start; the handshake sends them verbatim.
func (t *TopicSession) SetUserProfiles(me, partner UserProfile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.me = &me
	t.partner = &partner
}

func (t *TopicSession) State() StreamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start performs the session handshake and opens the streaming connection.
// Initial suggestions from the handshake response reach the callback before
// the stream is dialed, so the user sees openers even if the stream fails.
func (t *TopicSession) Start(ctx context.Context, cb TopicsCallback) error {
	if cb == nil {
		return shared.ErrNoCallback
	}
	t.mu.Lock()
	if t.state != StreamIdle {
		state := t.state
		t.mu.Unlock()
		return &shared.SessionStateError{Op: "start topic session", State: state.String()}
	}
	if t.me == nil || t.partner == nil {
		t.mu.Unlock()
		return shared.ErrProfilesNotSet
	}
	me, partner := *t.me, *t.partner
	t.state = StreamConnecting
	t.mu.Unlock()

	created, err := t.createSession(ctx, me, partner)
	if err != nil {
		t.mu.Lock()
		t.state = StreamIdle
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.sessionID = created.SessionID
	t.cb = cb
	t.mu.Unlock()

	t.logger.Info("topic session created",
		zap.String("session_id", created.SessionID),
		zap.String("status", created.Status),
		zap.Strings("common_interests", created.CommonInterests),
	)
	if len(created.InitialSuggestions) > 0 {
		cb(suggestionTexts(created.InitialSuggestions))
	}

	endpoint := wsURL(t.baseURL) + "/sessions/" + created.SessionID + "/topics"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		// The server-side session exists; keep its id so End can delete it.
		t.mu.Lock()
		t.state = StreamClosed
		t.cb = nil
		t.mu.Unlock()
		return &shared.ConnectionError{Endpoint: endpoint, Err: err}
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.state = StreamActive
	t.mu.Unlock()

	go t.receiveLoop(conn, done)
	return nil
}

// Push sends one conversation batch upstream. Order within the batch is
// preserved; a transport failure closes the stream and surfaces as a
// ConnectionError for the caller's requeue policy.
func (t *TopicSession) Push(messages []ConversationMessage) error {
	data, err := sonic.Marshal(conversationsPayload{Conversations: messages})
	if err != nil {
		return fmt.Errorf("encoding conversation batch: %w", err)
	}
	t.mu.Lock()
	if t.state != StreamActive {
		state := t.state
		t.mu.Unlock()
		return &shared.SessionStateError{Op: "push conversations", State: state.String()}
	}
	err = t.conn.WriteMessage(websocket.TextMessage, data)
	t.mu.Unlock()
	if err != nil {
		t.closeStream()
		return &shared.ConnectionError{Endpoint: t.baseURL, Err: err}
	}
	return nil
}

// End closes the stream and deletes the server-side session. Deletion is
// best effort; the backend reaps abandoned sessions on its own schedule.
func (t *TopicSession) End(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StreamClosed && t.sessionID == "" {
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	done := t.done
	sessionID := t.sessionID
	t.state = StreamClosed
	t.conn = nil
	t.cb = nil
	t.done = nil
	t.sessionID = ""
	t.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		_ = conn.Close()
	}
	if sessionID != "" {
		if err := t.deleteSession(ctx, sessionID); err != nil {
			t.logger.Debug("deleting topic session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	t.logger.Info("topic session ended", zap.String("session_id", sessionID))
	return nil
}

func (t *TopicSession) closeStream() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StreamActive {
		return
	}
	t.state = StreamClosed
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.cb = nil
}

func (t *TopicSession) receiveLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			t.logger.Warn("topic stream lost", zap.Error(err))
			t.closeStream()
			return
		}
		payload, kind, err := decodeTopicPayload(msg)
		if err != nil {
			t.logger.Warn("dropping malformed topic payload",
				zap.Error(&shared.ProtocolDecodeError{Payload: msg, Err: err}))
			continue
		}
		switch kind {
		case payloadError:
			// Backend-reported errors are advisory; the stream stays open.
			t.logger.Warn("topic backend reported error",
				zap.Error(&shared.UpstreamError{Message: payload.ErrorText, SessionID: payload.SessionID}))
		case payloadSuggestions:
			t.mu.Lock()
			cb := t.cb
			t.mu.Unlock()
			if cb == nil {
				return
			}
			cb(suggestionTexts(payload.Suggestions))
		default:
			t.logger.Debug("dropping unrecognized topic payload", zap.Int("bytes", len(msg)))
		}
	}
}

func (t *TopicSession) createSession(ctx context.Context, me, partner UserProfile) (createSessionResponse, error) {
	var out createSessionResponse
	body, err := sonic.Marshal(createSessionRequest{Speaker: me, Listener: partner})
	if err != nil {
		return out, fmt.Errorf("encoding session request: %w", err)
	}

	endpoint := t.baseURL + "/sessions"
	req := fasthttp.AcquireRequest()
	req.SetRequestURI(endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	status, respBody, err := doRequest(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, &shared.ConnectionError{Endpoint: endpoint, Err: err}
	}
	if status < 200 || status >= 300 {
		return out, fmt.Errorf("unexpected status code: %d, body: %s", status, string(respBody))
	}
	if err := sonic.Unmarshal(respBody, &out); err != nil {
		return out, &shared.ProtocolDecodeError{Payload: respBody, Err: err}
	}
	if out.SessionID == "" {
		return out, fmt.Errorf("session response carried no session id")
	}
	return out, nil
}

func (t *TopicSession) deleteSession(ctx context.Context, sessionID string) error {
	endpoint := t.baseURL + "/sessions/" + sessionID
	req := fasthttp.AcquireRequest()
	req.SetRequestURI(endpoint)
	req.Header.SetMethod(fasthttp.MethodDelete)

	status, _, err := doRequest(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &shared.ConnectionError{Endpoint: endpoint, Err: err}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("unexpected status code: %d", status)
	}
	return nil
}

// doRequest performs one pooled fasthttp request bounded by ctx. It owns the
// release of req and of the response it acquires: on cancellation the
// in-flight call keeps both until fasthttp.Do returns, so pooled objects are
// never recycled while still in use. The returned body is a copy.
func doRequest(ctx context.Context, req *fasthttp.Request) (int, []byte, error) {
	resp := fasthttp.AcquireResponse()
	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		go func() {
			<-errC
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		return 0, nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
			return 0, nil, err
		}
	}
	status := resp.StatusCode()
	body := append([]byte(nil), resp.Body()...)
	fasthttp.ReleaseRequest(req)
	fasthttp.ReleaseResponse(resp)
	return status, body, nil
}

// wsURL swaps the HTTP scheme of base for its websocket counterpart.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
