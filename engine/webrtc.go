// Package engine provides RTC engine adapters that feed a Controller's
// event channel.
package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/twh-onepiece/livecall"
	"github.com/twh-onepiece/livecall/shared"
	"go.uber.org/zap"
)

const (
	opusClockRate = 48000
	// frames are packetized at 20ms, the usual Opus default
	frameDuration = 20 * time.Millisecond
	// largest PCM frame one Opus packet may decode to (120ms)
	maxDecodedSamples = 5760
)

// WebRTCOptions wires a WebRTC adapter. The peer connection is provided by
// the caller and must be negotiated by the application's signaling layer;
// this adapter only attaches media handling to it.
type WebRTCOptions struct {
	Logger         shared.LoggerAdapter
	PeerConnection *webrtc.PeerConnection
	Events         chan<- livecall.EngineEvent
	SampleRate     int
	Channels       int
	PeerUID        uint32
}

// WebRTC adapts a pion peer connection to the Engine surface. Local PCM is
// Opus-encoded onto a static sample track; the remote audio track is
// decoded back to PCM and delivered as peer audio frames. Join and leave
// are derived from the connection state, not from signaling.
type WebRTC struct {
	logger     shared.LoggerAdapter
	pc         *webrtc.PeerConnection
	events     chan<- livecall.EngineEvent
	sampleRate int
	channels   int
	peerUID    uint32

	localTrack *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	enc       *opus.Encoder
	pending   []byte
	selfUID   uint32
	joined    bool
	connected bool

	muted    atomic.Bool
	leftOnce sync.Once
}

var _ livecall.Engine = (*WebRTC)(nil)

func NewWebRTC(opts WebRTCOptions) (*WebRTC, error) {
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.PeerConnection == nil {
		return nil, fmt.Errorf("no peer connection provided")
	}
	if opts.Events == nil {
		return nil, shared.ErrNoEventSource
	}
	if opts.SampleRate <= 0 || opts.Channels <= 0 {
		return nil, fmt.Errorf("invalid audio format: %d Hz, %d channels", opts.SampleRate, opts.Channels)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusClockRate,
			Channels:    uint16(opts.Channels),
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"livecall",
	)
	if err != nil {
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err := opts.PeerConnection.AddTrack(track); err != nil {
		return nil, fmt.Errorf("adding local audio track: %w", err)
	}
	enc, err := opus.NewEncoder(opts.SampleRate, opts.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("creating opus encoder: %w", err)
	}

	e := &WebRTC{
		logger:     opts.Logger,
		pc:         opts.PeerConnection,
		events:     opts.Events,
		sampleRate: opts.SampleRate,
		channels:   opts.Channels,
		peerUID:    opts.PeerUID,
		localTrack: track,
		enc:        enc,
	}

	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Trace("peer connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			e.mu.Lock()
			e.connected = true
			joined := e.joined
			uid := e.selfUID
			e.mu.Unlock()
			if joined {
				e.emit(livecall.EngineEvent{Type: livecall.EngineEventSelfJoined, UID: uid})
			}
		case webrtc.PeerConnectionStateFailed:
			e.emit(livecall.EngineEvent{Type: livecall.EngineEventError, Code: int(state)})
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			e.emitLeft()
		}
	})
	e.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		e.logger.Info("remote audio track arrived", zap.String("track_id", track.ID()))
		e.emit(livecall.EngineEvent{Type: livecall.EngineEventPeerJoined, UID: e.peerUID})
		go e.readRemote(track)
	})
	return e, nil
}

// JoinChannel records the local uid and reports the join once the peer
// connection is up. The channel name and token belong to the signaling
// layer; they are logged for correlation only.
func (e *WebRTC) JoinChannel(_ context.Context, channelName, _ string, uid uint32) error {
	e.mu.Lock()
	e.selfUID = uid
	e.joined = true
	connected := e.connected
	e.mu.Unlock()

	e.logger.Info("joining channel", zap.String("channel", channelName), zap.Uint32("uid", uid))
	if connected {
		e.emit(livecall.EngineEvent{Type: livecall.EngineEventSelfJoined, UID: uid})
	}
	return nil
}

func (e *WebRTC) LeaveChannel() error {
	err := e.pc.Close()
	e.emitLeft()
	if err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}

func (e *WebRTC) MuteLocalAudio(muted bool) error {
	e.muted.Store(muted)
	e.logger.Info("local audio mute toggled", zap.Bool("muted", muted))
	return nil
}

// WriteLocalPCM feeds captured audio in. The samples are mirrored to the
// controller as a self audio frame and Opus-encoded onto the local track in
// 20ms packets. Muted audio is dropped before either path.
func (e *WebRTC) WriteLocalPCM(pcm []byte) error {
	if e.muted.Load() {
		return nil
	}
	e.emitFrame(livecall.DirectionSelf, pcm)

	frameBytes := e.sampleRate / int(time.Second/frameDuration) * e.channels * 2
	packet := make([]byte, 4000)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, pcm...)
	for len(e.pending) >= frameBytes {
		frame := bytesToPCM16(e.pending[:frameBytes])
		e.pending = e.pending[frameBytes:]
		n, err := e.enc.Encode(frame, packet)
		if err != nil {
			return fmt.Errorf("encoding audio frame: %w", err)
		}
		if err := e.localTrack.WriteSample(media.Sample{Data: packet[:n], Duration: frameDuration}); err != nil {
			return fmt.Errorf("writing audio sample: %w", err)
		}
	}
	return nil
}

func (e *WebRTC) readRemote(track *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(e.sampleRate, e.channels)
	if err != nil {
		e.logger.Error("creating opus decoder", err)
		return
	}
	samples := make([]int16, maxDecodedSamples*e.channels)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			e.logger.Debug("remote track read ended", zap.Error(err))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			e.logger.Warn("dropping undecodable audio packet", zap.Error(err))
			continue
		}
		e.emitFrame(livecall.DirectionPeer, pcm16ToBytes(samples[:n*e.channels]))
	}
}

// emit delivers a control event. These block until the consumer takes them;
// the consumer is expected to keep draining for the adapter's lifetime.
func (e *WebRTC) emit(ev livecall.EngineEvent) {
	e.events <- ev
}

func (e *WebRTC) emitLeft() {
	e.leftOnce.Do(func() {
		e.emit(livecall.EngineEvent{Type: livecall.EngineEventLeftChannel})
	})
}

// emitFrame delivers audio without ever blocking the media path; a full
// consumer costs a frame, not latency.
func (e *WebRTC) emitFrame(direction livecall.Direction, pcm []byte) {
	frame := &livecall.AudioFrame{
		Direction:   direction,
		PCM:         pcm,
		SampleCount: len(pcm) / 2 / e.channels,
		Channels:    e.channels,
	}
	select {
	case e.events <- livecall.EngineEvent{Type: livecall.EngineEventAudioFrame, Frame: frame}:
	default:
		e.logger.Debug("dropping audio frame; event queue full",
			zap.String("direction", direction.String()))
	}
}

func bytesToPCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func pcm16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
