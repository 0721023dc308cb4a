package livecall

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/twh-onepiece/livecall/shared"
	"go.uber.org/zap"
)

// StreamState is the lifecycle of one streaming session handle.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamConnecting
	StreamActive
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamConnecting:
		return "connecting"
	case StreamActive:
		return "active"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TranscriptCallback receives one recognized utterance per invocation, or a
// single final error when the stream is lost.
type TranscriptCallback func(text string, err error)

// TranscribeSession owns one streaming connection to the speech-to-text
// backend for one speaker direction. Outbound: raw binary PCM16 frames, no
// envelope. Inbound: one complete UTF-8 utterance per message. A lost
// stream is reported once and never reconnected; the caller decides whether
// a fresh session is worth starting.
type TranscribeSession struct {
	logger shared.LoggerAdapter
	url    string

	mu    sync.Mutex
	state StreamState
	conn  *websocket.Conn
	cb    TranscriptCallback
	done  chan struct{}
}

var _ SpeechToText = (*TranscribeSession)(nil)

func NewTranscribeSession(logger shared.LoggerAdapter, url string) (*TranscribeSession, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if url == "" {
		return nil, fmt.Errorf("no transcript URL provided")
	}
	return &TranscribeSession{
		logger: logger,
		url:    url,
		state:  StreamIdle,
	}, nil
}

func (s *TranscribeSession) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start establishes the streaming connection and registers the callback.
// Only an idle session may be started; at most one handle is active per
// direction per call.
func (s *TranscribeSession) Start(ctx context.Context, sampleRate, channels int, cb TranscriptCallback) error {
	if cb == nil {
		return shared.ErrNoCallback
	}
	s.mu.Lock()
	if s.state != StreamIdle {
		state := s.state
		s.mu.Unlock()
		return &shared.SessionStateError{Op: "start transcription", State: state.String()}
	}
	s.state = StreamConnecting
	s.mu.Unlock()

	endpoint := fmt.Sprintf("%s?sample_rate=%d&channels=%d", s.url, sampleRate, channels)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StreamIdle
		s.mu.Unlock()
		return &shared.ConnectionError{Endpoint: endpoint, Err: err}
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.cb = cb
	s.done = done
	s.state = StreamActive
	s.mu.Unlock()

	s.logger.Info("transcription session started",
		zap.Int("sample_rate", sampleRate),
		zap.Int("channels", channels),
	)
	go s.readLoop(conn, done)
	return nil
}

// Send forwards one audio segment over the active connection. The caller
// treats a failure here as non-fatal to the call.
func (s *TranscribeSession) Send(pcm []byte) error {
	s.mu.Lock()
	if s.state != StreamActive {
		state := s.state
		s.mu.Unlock()
		return &shared.SessionStateError{Op: "send audio", State: state.String()}
	}
	err := s.conn.WriteMessage(websocket.BinaryMessage, pcm)
	s.mu.Unlock()
	if err != nil {
		s.closeStream()
		return &shared.ConnectionError{Endpoint: s.url, Err: err}
	}
	return nil
}

// End requests graceful close and clears the callback. Calling End on an
// already-closed session is a no-op.
func (s *TranscribeSession) End() error {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	done := s.done
	s.state = StreamClosed
	s.conn = nil
	s.cb = nil
	s.done = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		_ = conn.Close()
	}
	s.logger.Info("transcription session ended")
	return nil
}

// closeStream marks the session closed after a transport failure and
// returns the callback if this call performed the transition.
func (s *TranscribeSession) closeStream() TranscriptCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StreamActive {
		return nil
	}
	cb := s.cb
	s.state = StreamClosed
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.cb = nil
	return cb
}

func (s *TranscribeSession) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// End() already closed the session; nothing to report.
				return
			default:
			}
			if cb := s.closeStream(); cb != nil {
				cb("", &shared.ConnectionError{Endpoint: s.url, Err: err})
			}
			return
		}
		if !utf8.Valid(msg) {
			s.logger.Warn("dropping malformed transcript frame", zap.Int("bytes", len(msg)))
			continue
		}
		text := string(msg)
		if text == "" {
			continue
		}
		s.mu.Lock()
		cb := s.cb
		s.mu.Unlock()
		if cb == nil {
			return
		}
		cb(text, nil)
	}
}
