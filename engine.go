package livecall

import "context"

// Direction tells which participant a piece of audio belongs to.
type Direction int

const (
	DirectionSelf Direction = iota
	DirectionPeer
)

func (d Direction) String() string {
	switch d {
	case DirectionSelf:
		return "self"
	case DirectionPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// AudioFrame is one delivery of raw 16-bit PCM samples from the engine.
type AudioFrame struct {
	Direction   Direction
	PCM         []byte
	SampleCount int
	Channels    int
}

type EngineEventType int

const (
	EngineEventSelfJoined EngineEventType = iota
	EngineEventPeerJoined
	EngineEventPeerLeft
	EngineEventLeftChannel
	EngineEventError
	EngineEventAudioFrame
)

func (t EngineEventType) String() string {
	switch t {
	case EngineEventSelfJoined:
		return "self_joined"
	case EngineEventPeerJoined:
		return "peer_joined"
	case EngineEventPeerLeft:
		return "peer_left"
	case EngineEventLeftChannel:
		return "left_channel"
	case EngineEventError:
		return "error"
	case EngineEventAudioFrame:
		return "audio_frame"
	default:
		return "unknown"
	}
}

// EngineEvent is produced by an engine adapter and consumed by exactly one
// Controller. UID is set on join/leave events, Code on error events and
// Frame on audio-frame events.
type EngineEvent struct {
	Type  EngineEventType
	UID   uint32
	Code  int
	Frame *AudioFrame
}

// Engine is the command surface of the RTC engine collaborator. Events flow
// back on the channel handed to the adapter at construction; frame delivery
// may originate on a dedicated engine thread and is treated as concurrent
// with everything else.
type Engine interface {
	JoinChannel(ctx context.Context, channelName, token string, uid uint32) error
	LeaveChannel() error
	MuteLocalAudio(muted bool) error
}
