package audio

import (
	"math"
	"sync/atomic"
	"time"
)

// Frame is one fixed-size block of mono float32 samples from the capture
// stream. Frames are produced by the capture callback and consumed exactly
// once by the pipeline worker. Sample buffers are recycled by the capture
// layer after the frame leaves the queue, so consumers must copy samples out
// before asking for the next frame.
type Frame struct {
	Samples  []float32
	Captured time.Time
}

// FrameQueue is the bounded handoff between the real-time capture callback
// and the pipeline worker. Push never blocks: when the queue is full the
// oldest frame is dropped and counted instead of stalling the callback.
type FrameQueue struct {
	frames  chan Frame
	dropped atomic.Uint64
}

// NewFrameQueue creates a queue holding at most capacity frames
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{frames: make(chan Frame, capacity)}
}

// Push enqueues a frame without blocking. On overflow the oldest queued frame
// is discarded and the dropped counter incremented.
func (q *FrameQueue) Push(f Frame) {
	for {
		select {
		case q.frames <- f:
			return
		default:
		}
		select {
		case <-q.frames:
			q.dropped.Add(1)
		default:
		}
	}
}

// Frames returns the consumer side of the queue
func (q *FrameQueue) Frames() <-chan Frame {
	return q.frames
}

// Dropped returns the number of frames discarded due to overflow
func (q *FrameQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Level computes the RMS level of a block of samples, used for the feedback
// meter and the leading-silence heuristic.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
