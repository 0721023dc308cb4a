package livecall

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twh-onepiece/livecall/shared"
	"go.uber.org/zap"
)

// CallState is the lifecycle of one call from this participant's view.
type CallState int

const (
	StateDisconnected CallState = iota
	StateConnecting
	StateChannelJoined
	StateTalking
	StateCallEnded
)

func (s CallState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateChannelJoined:
		return "channel_joined"
	case StateTalking:
		return "talking"
	case StateCallEnded:
		return "call_ended"
	default:
		return "unknown"
	}
}

// SpeechToText is the transcription collaborator for one speaker direction.
type SpeechToText interface {
	Start(ctx context.Context, sampleRate, channels int, cb TranscriptCallback) error
	Send(pcm []byte) error
	End() error
}

// TopicStream is the topic-suggestion collaborator for one call.
type TopicStream interface {
	SetUserProfiles(me, partner UserProfile)
	Start(ctx context.Context, cb TopicsCallback) error
	Push(messages []ConversationMessage) error
	End(ctx context.Context) error
}

// Observers receive the controller's outbound notifications. All of them are
// invoked from the controller's run loop, one at a time, in order; a slow
// observer delays everything behind it. Nil fields are skipped.
type Observers struct {
	OnStateChange  func(state CallState)
	OnConversation func(msg ConversationMessage)
	OnTopics       func(topics []string)
}

// ControllerOptions wires a Controller. Logger, Engine and Events are
// required. Sessions left nil are built from the Config URLs.
type ControllerOptions struct {
	Logger shared.LoggerAdapter
	Config Config

	Me             Caller
	Partner        Caller
	MeProfile      UserProfile
	PartnerProfile UserProfile

	Engine Engine
	Events <-chan EngineEvent
	Tokens TokenProvider

	SelfTranscribe SpeechToText
	PeerTranscribe SpeechToText
	Topics         TopicStream

	Observers Observers
}

// Controller owns one call end to end: the channel join, both per-speaker
// audio buffers, both transcription sessions, the topic session and the
// conversation ledger. All state transitions and observer callbacks happen
// on a single run-loop goroutine; external calls and engine events post
// work to it instead of mutating state directly.
type Controller struct {
	logger shared.LoggerAdapter
	cfg    Config
	callID string

	me             Caller
	partner        Caller
	meProfile      UserProfile
	partnerProfile UserProfile

	engine Engine
	events <-chan EngineEvent
	tokens TokenProvider

	selfSTT SpeechToText
	peerSTT SpeechToText
	topics  TopicStream
	obs     Observers

	selfBuf *FrameBuffer
	peerBuf *FrameBuffer
	ledger  *Ledger

	mu    sync.Mutex
	state CallState

	acts         chan func()
	done         chan struct{}
	closeOnce    sync.Once
	teardownOnce sync.Once
	wg           sync.WaitGroup
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Engine == nil {
		return nil, shared.ErrNoEngine
	}
	if opts.Events == nil {
		return nil, shared.ErrNoEventSource
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	callID := uuid.NewString()
	logger := opts.Logger.With(
		zap.String("call_id", callID),
		zap.String("channel", BuildChannelName(opts.Me, opts.Partner)),
	)

	selfSTT := opts.SelfTranscribe
	if selfSTT == nil {
		s, err := NewTranscribeSession(logger, opts.Config.TranscriptURL)
		if err != nil {
			return nil, err
		}
		selfSTT = s
	}
	peerSTT := opts.PeerTranscribe
	if peerSTT == nil {
		s, err := NewTranscribeSession(logger, opts.Config.TranscriptURL)
		if err != nil {
			return nil, err
		}
		peerSTT = s
	}
	topics := opts.Topics
	if topics == nil {
		t, err := NewTopicSession(logger, opts.Config.TopicBaseURL)
		if err != nil {
			return nil, err
		}
		topics = t
	}

	c := &Controller{
		logger:         logger,
		cfg:            opts.Config,
		callID:         callID,
		me:             opts.Me,
		partner:        opts.Partner,
		meProfile:      opts.MeProfile,
		partnerProfile: opts.PartnerProfile,
		engine:         opts.Engine,
		events:         opts.Events,
		tokens:         opts.Tokens,
		selfSTT:        selfSTT,
		peerSTT:        peerSTT,
		topics:         topics,
		obs:            opts.Observers,
		ledger:         NewLedger(opts.Config.MessageThreshold),
		state:          StateDisconnected,
		acts:           make(chan func(), 64),
		done:           make(chan struct{}),
	}

	threshold := opts.Config.SegmentThreshold()
	c.selfBuf = NewFrameBuffer(logger, DirectionSelf, threshold, opts.Config.FrameQueueSize, c.segmentSink(selfSTT, DirectionSelf))
	c.peerBuf = NewFrameBuffer(logger, DirectionPeer, threshold, opts.Config.FrameQueueSize, c.segmentSink(peerSTT, DirectionPeer))

	c.wg.Add(1)
	go c.run()
	return c, nil
}

func (c *Controller) CallID() string { return c.callID }

func (c *Controller) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinChannel starts the call. The actual join runs asynchronously; the
// outcome arrives as engine events. Only a disconnected controller accepts
// a join.
func (c *Controller) JoinChannel(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return &shared.SessionStateError{Op: "join channel", State: state.String()}
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.post(func() { c.notifyState(StateConnecting) })

	channel := BuildChannelName(c.me, c.partner)
	uid := c.me.TalkID()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var token string
		if c.tokens != nil {
			t, err := c.tokens.Token(ctx, channel, uid, "publisher")
			if err != nil {
				c.logger.Error("fetching join token", err)
				c.revertConnecting()
				return
			}
			token = t
		}
		if err := c.engine.JoinChannel(ctx, channel, token, uid); err != nil {
			c.logger.Error("joining channel", err)
			c.revertConnecting()
			return
		}
	}()
	return nil
}

// revertConnecting undoes a failed join attempt so the controller can be
// joined again. It only fires if nothing else moved the state meanwhile.
func (c *Controller) revertConnecting() {
	c.post(func() {
		c.mu.Lock()
		if c.state != StateConnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notifyState(StateDisconnected)
	})
}

// LeaveChannel ends the call from this side. Safe to call at any point and
// more than once; the teardown sequence runs exactly once.
func (c *Controller) LeaveChannel(ctx context.Context) error {
	var err error
	c.teardownOnce.Do(func() { err = c.teardown(ctx) })
	c.post(func() { c.transition(StateCallEnded) })
	return err
}

// SetMuted toggles local audio capture without touching the session stack.
func (c *Controller) SetMuted(muted bool) error {
	return c.engine.MuteLocalAudio(muted)
}

// Close stops the run loop and the frame buffers. The controller is
// unusable afterwards; it does not tear the call down, call LeaveChannel
// first.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	c.selfBuf.Close()
	c.peerBuf.Close()
}

func (c *Controller) run() {
	defer c.wg.Done()
	events := c.events
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.acts:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEngineEvent(ev)
		}
	}
}

// post hands fn to the run loop. Dropped silently after Close.
func (c *Controller) post(fn func()) {
	select {
	case c.acts <- fn:
	case <-c.done:
	}
}

func (c *Controller) handleEngineEvent(ev EngineEvent) {
	switch ev.Type {
	case EngineEventAudioFrame:
		if ev.Frame == nil {
			return
		}
		if ev.Frame.Direction == DirectionSelf {
			c.selfBuf.Append(ev.Frame.PCM)
		} else {
			c.peerBuf.Append(ev.Frame.PCM)
		}
	case EngineEventSelfJoined:
		if ev.UID != c.me.TalkID() {
			c.logger.Debug("ignoring join event for foreign uid", zap.Uint32("uid", ev.UID))
			return
		}
		if c.State() != StateConnecting {
			return
		}
		c.logger.Info("joined channel", zap.Uint32("uid", ev.UID))
		c.transition(StateChannelJoined)
	case EngineEventPeerJoined:
		if ev.UID != c.partner.TalkID() {
			c.logger.Debug("ignoring peer join for foreign uid", zap.Uint32("uid", ev.UID))
			return
		}
		if c.State() != StateChannelJoined {
			return
		}
		c.logger.Info("peer joined, call is live", zap.Uint32("uid", ev.UID))
		c.transition(StateTalking)
		c.wg.Add(1)
		go c.setupSessions()
	case EngineEventPeerLeft:
		c.logger.Info("peer left", zap.Uint32("uid", ev.UID))
		c.endCall()
	case EngineEventLeftChannel:
		c.logger.Info("left channel")
		c.endCall()
	case EngineEventError:
		c.logger.Warn("engine reported error", zap.Int("code", ev.Code))
		c.endCall()
	}
}

// endCall moves to the terminal state and runs teardown off the loop so
// pending acts keep draining while sessions close.
func (c *Controller) endCall() {
	if c.State() == StateCallEnded {
		return
	}
	c.transition(StateCallEnded)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.teardownOnce.Do(func() { _ = c.teardown(context.Background()) })
	}()
}

// transition runs on the run loop.
func (c *Controller) transition(st CallState) {
	c.mu.Lock()
	if c.state == st {
		c.mu.Unlock()
		return
	}
	c.state = st
	c.mu.Unlock()
	c.notifyState(st)
}

func (c *Controller) notifyState(st CallState) {
	c.logger.Debug("call state changed", zap.String("state", st.String()))
	if c.obs.OnStateChange != nil {
		c.obs.OnStateChange(st)
	}
}

// teardown shuts everything down in a fixed order: engine first so no new
// frames arrive, then the buffers, then the sessions. Individual failures
// are collected, not short-circuited; everything gets its shutdown attempt.
func (c *Controller) teardown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, c.cfg.TeardownTimeout())
	defer cancel()

	start := time.Now()
	var errs []error
	if err := c.engine.LeaveChannel(); err != nil {
		errs = append(errs, err)
	}
	c.selfBuf.Clear()
	c.peerBuf.Clear()
	if err := c.selfSTT.End(); err != nil {
		errs = append(errs, err)
	}
	if err := c.peerSTT.End(); err != nil {
		errs = append(errs, err)
	}
	if err := c.topics.End(ctx); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("call teardown finished with errors",
			zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	} else {
		c.logger.Info("call teardown finished", zap.Duration("elapsed", time.Since(start)))
	}
	return err
}

// setupSessions brings up both transcription streams and the topic session
// once the call is live. Failures are logged and the call continues; a call
// without intelligence is still a call.
func (c *Controller) setupSessions() {
	defer c.wg.Done()
	ctx := context.Background()

	if err := c.selfSTT.Start(ctx, c.cfg.SampleRate, c.cfg.Channels, c.transcriptCallback(c.me.TalkID())); err != nil {
		c.logger.Error("starting self transcription", err)
	}
	if err := c.peerSTT.Start(ctx, c.cfg.SampleRate, c.cfg.Channels, c.transcriptCallback(c.partner.TalkID())); err != nil {
		c.logger.Error("starting peer transcription", err)
	}

	c.topics.SetUserProfiles(c.meProfile, c.partnerProfile)
	if err := c.topics.Start(ctx, c.topicsCallback); err != nil {
		c.logger.Error("starting topic session", err)
	}
}

// segmentSink forwards completed audio segments to one transcription
// session. Send failures never propagate to the audio path.
func (c *Controller) segmentSink(session SpeechToText, direction Direction) SegmentSink {
	return func(segmentID string, pcm []byte) {
		start := time.Now()
		if err := session.Send(pcm); err != nil {
			if shared.IsSessionState(err) {
				// Expected while the call is live but the stream is not.
				c.logger.Debug("skipping audio segment", zap.String("segment_id", segmentID), zap.Error(err))
			} else {
				c.logger.Warn("sending audio segment",
					zap.String("segment_id", segmentID),
					zap.String("direction", direction.String()),
					zap.Error(err))
			}
			return
		}
		c.logger.Debug("audio segment sent",
			zap.String("segment_id", segmentID),
			zap.String("direction", direction.String()),
			zap.Int("bytes", len(pcm)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (c *Controller) transcriptCallback(talkID uint32) TranscriptCallback {
	return func(text string, err error) {
		if err != nil {
			c.logger.Warn("transcription stream failed", zap.Uint32("talk_id", talkID), zap.Error(err))
			return
		}
		msg := NewConversationMessage(talkID, text, time.Now())
		c.post(func() {
			if c.obs.OnConversation != nil {
				c.obs.OnConversation(msg)
			}
			if batch := c.ledger.Append(msg); batch != nil {
				c.pushBatch(batch)
			}
		})
	}
}

func (c *Controller) topicsCallback(topics []string) {
	c.post(func() {
		c.logger.Info("topic suggestions updated", zap.Int("count", len(topics)))
		if c.obs.OnTopics != nil {
			c.obs.OnTopics(topics)
		}
	})
}

// pushBatch runs on the run loop; the network write happens off it.
func (c *Controller) pushBatch(batch []ConversationMessage) {
	pushID := uuid.NewString()
	c.logger.Info("pushing conversation batch",
		zap.String("push_id", pushID),
		zap.Int("messages", len(batch)),
	)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		start := time.Now()
		if err := c.topics.Push(batch); err != nil {
			c.logger.Warn("conversation batch push failed",
				zap.String("push_id", pushID), zap.Error(err))
			if c.cfg.RequeueOnPushFailure {
				c.post(func() { c.ledger.Restore(batch) })
			}
			return
		}
		c.logger.Debug("conversation batch pushed",
			zap.String("push_id", pushID),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()
}
