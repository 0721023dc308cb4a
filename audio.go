package livecall

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twh-onepiece/livecall/shared"
	"go.uber.org/zap"
)

// SegmentBytes returns the size of d worth of 16-bit PCM at the given rate
// and channel count.
func SegmentBytes(rate, channels int, d time.Duration) int {
	return int(d.Seconds()*float64(rate)*float64(channels)) * 2
}

// SegmentSink receives a complete audio segment. It runs on its own
// goroutine per segment; a slow or failing sink never stalls appends.
type SegmentSink func(segmentID string, pcm []byte)

type frameBufferOp struct {
	data    []byte
	clear   bool
	pending chan []byte
}

// FrameBuffer accumulates raw PCM for one speaker direction until the byte
// threshold is reached, then hands the whole segment to the sink and starts
// over. Appends are serialized through a single consumer goroutine, so
// overlapping frame callbacks cannot corrupt or duplicate data.
type FrameBuffer struct {
	logger    shared.LoggerAdapter
	direction Direction
	threshold int
	sink      SegmentSink

	ops       chan frameBufferOp
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewFrameBuffer(logger shared.LoggerAdapter, direction Direction, threshold, queueSize int, sink SegmentSink) *FrameBuffer {
	b := &FrameBuffer{
		logger:    logger.With(zap.String("direction", direction.String())),
		direction: direction,
		threshold: threshold,
		sink:      sink,
		ops:       make(chan frameBufferOp, queueSize),
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Append enqueues one frame worth of PCM bytes. Safe to call from the
// engine's frame-delivery thread; when the queue is full the frame is
// dropped instead of blocking delivery.
func (b *FrameBuffer) Append(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	data := append([]byte(nil), pcm...)
	select {
	case <-b.done:
	case b.ops <- frameBufferOp{data: data}:
	default:
		b.logger.Warn("dropping audio frame; queue full", zap.Int("bytes", len(pcm)))
	}
}

// Clear discards any partial segment. Used on teardown.
func (b *FrameBuffer) Clear() {
	select {
	case b.ops <- frameBufferOp{clear: true}:
	case <-b.done:
	}
}

// Pending returns a copy of the bytes accumulated since the last segment.
func (b *FrameBuffer) Pending() []byte {
	reply := make(chan []byte, 1)
	select {
	case b.ops <- frameBufferOp{pending: reply}:
	case <-b.done:
		return nil
	}
	select {
	case p := <-reply:
		return p
	case <-b.done:
		return nil
	}
}

// Close stops the consumer goroutine. The buffer is unusable afterwards.
func (b *FrameBuffer) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *FrameBuffer) run() {
	defer b.wg.Done()
	buf := make([]byte, 0, b.threshold+b.threshold/4)
	for {
		select {
		case <-b.done:
			return
		case op := <-b.ops:
			switch {
			case op.clear:
				buf = buf[:0]
			case op.pending != nil:
				op.pending <- append([]byte(nil), buf...)
			default:
				buf = append(buf, op.data...)
				if len(buf) < b.threshold {
					continue
				}
				segment := append([]byte(nil), buf...)
				buf = buf[:0]
				segmentID := uuid.NewString()
				b.logger.Debug("audio segment ready",
					zap.String("segment_id", segmentID),
					zap.Int("bytes", len(segment)),
				)
				go b.sink(segmentID, segment)
			}
		}
	}
}
