package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/yegors/sotto/pkg/logger"
)

// ErrDeviceUnavailable indicates the configured capture device could not be
// opened. Fatal to startup.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Config holds capture stream parameters
type Config struct {
	SampleRate  int
	Channels    int
	FrameSize   int
	DeviceName  string // substring match, "" selects the default input device
	QueueFrames int
}

// Capture owns the single continuous portaudio input stream. The stream
// callback copies each completed block into a recycled buffer and pushes it
// onto the frame queue; it performs no I/O, takes no locks shared with the
// consumer, and allocates nothing after Start.
type Capture struct {
	cfg    Config
	queue  *FrameQueue
	logger *logger.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	started bool

	// Buffer ring recycled by the callback. Sized past the queue capacity so
	// a frame is never overwritten while it can still be read from the queue.
	buffers [][]float32
	next    int
}

// NewCapture creates a capture instance feeding the given queue
func NewCapture(cfg Config, queue *FrameQueue, logger *logger.Logger) *Capture {
	return &Capture{
		cfg:    cfg,
		queue:  queue,
		logger: logger.Named("capture"),
	}
}

// Start opens and starts the input stream. Calling Start on a running capture
// is a no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initializing portaudio: %v", ErrDeviceUnavailable, err)
	}

	ringSize := c.cfg.QueueFrames * 2
	if ringSize < 8 {
		ringSize = 8
	}
	c.buffers = make([][]float32, ringSize)
	for i := range c.buffers {
		c.buffers[i] = make([]float32, c.cfg.FrameSize)
	}
	c.next = 0

	callback := func(in []float32) {
		buf := c.buffers[c.next]
		c.next = (c.next + 1) % len(c.buffers)
		copy(buf, in)
		c.queue.Push(Frame{Samples: buf[:len(in)], Captured: time.Now()})
	}

	stream, err := c.openStream(callback)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: starting stream: %v", ErrDeviceUnavailable, err)
	}

	c.stream = stream
	c.started = true
	c.logger.Info("Audio capture started",
		logger.Int("sample_rate", c.cfg.SampleRate),
		logger.Int("frame_size", c.cfg.FrameSize),
		logger.Int("channels", c.cfg.Channels))
	return nil
}

func (c *Capture) openStream(callback func([]float32)) (*portaudio.Stream, error) {
	if c.cfg.DeviceName == "" {
		stream, err := portaudio.OpenDefaultStream(
			c.cfg.Channels,
			0,
			float64(c.cfg.SampleRate),
			c.cfg.FrameSize,
			callback,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: opening default stream: %v", ErrDeviceUnavailable, err)
		}
		return stream, nil
	}

	device, err := c.findDevice()
	if err != nil {
		return nil, err
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = c.cfg.Channels
	params.SampleRate = float64(c.cfg.SampleRate)
	params.FramesPerBuffer = c.cfg.FrameSize

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("%w: opening stream on %q: %v", ErrDeviceUnavailable, device.Name, err)
	}
	c.logger.Info("Using capture device", logger.String("device", device.Name))
	return stream, nil
}

func (c *Capture) findDevice() (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: listing devices: %v", ErrDeviceUnavailable, err)
	}

	want := strings.ToLower(c.cfg.DeviceName)
	for _, device := range devices {
		if device.MaxInputChannels > 0 && strings.Contains(strings.ToLower(device.Name), want) {
			return device, nil
		}
	}

	for _, device := range devices {
		if device.MaxInputChannels > 0 {
			c.logger.Warn("Available input device", logger.String("device", device.Name))
		}
	}
	return nil, fmt.Errorf("%w: no input device matching %q", ErrDeviceUnavailable, c.cfg.DeviceName)
}

// Stop stops and closes the stream. Calling Stop on a stopped capture is a
// no-op.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}

	if err := c.stream.Stop(); err != nil {
		c.logger.Warn("Error stopping capture stream", logger.Error(err))
	}
	if err := c.stream.Close(); err != nil {
		c.logger.Warn("Error closing capture stream", logger.Error(err))
	}
	portaudio.Terminate()

	c.stream = nil
	c.started = false
	c.logger.Info("Audio capture stopped", logger.Uint64("dropped_frames", c.queue.Dropped()))
}
