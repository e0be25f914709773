// ABOUTME: Virtual output backend driven manually or by a wall-clock ticker
// ABOUTME: Supports loss injection, busy devices and native-rate changes for tests and headless runs
package output

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
)

const (
	// VirtualDeviceID is the id of the device a Virtual backend starts with
	VirtualDeviceID = "virtual-0"

	defaultVirtualPeriod = 512
)

// VirtualOptions configures a Virtual backend
type VirtualOptions struct {
	// Devices replaces the default single 48kHz stereo device
	Devices []DeviceInfo
	// PeriodFrames is the callback size when the stream does not request one
	PeriodFrames int
	// Realtime starts a ticker goroutine that renders one period per period duration
	Realtime bool
	// CaptureFrames keeps up to this many rendered frames for inspection
	CaptureFrames int
}

// Virtual is an in-memory Backend. In manual mode nothing renders until Pump
// is called, which makes callback timing deterministic.
type Virtual struct {
	opts VirtualOptions

	mu        sync.Mutex
	devices   []DeviceInfo
	busy      map[string]bool
	failOpens int
	failErr   error
	active    *virtualStream
	opens     int
	capture   []float32
}

// NewVirtual creates a virtual backend
func NewVirtual(opts VirtualOptions) *Virtual {
	if opts.PeriodFrames <= 0 {
		opts.PeriodFrames = defaultVirtualPeriod
	}
	devices := opts.Devices
	if len(devices) == 0 {
		devices = []DeviceInfo{{
			ID:         VirtualDeviceID,
			Name:       "Virtual Output",
			NativeRate: 48000,
			Channels:   2,
			Default:    true,
		}}
	}
	return &Virtual{
		opts:    opts,
		devices: append([]DeviceInfo(nil), devices...),
		busy:    make(map[string]bool),
	}
}

// Name identifies the backend
func (v *Virtual) Name() string { return "virtual" }

// Devices lists the virtual devices
func (v *Virtual) Devices() ([]DeviceInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]DeviceInfo(nil), v.devices...), nil
}

// Open opens a stream on a virtual device
func (v *Virtual) Open(deviceID string, cfg StreamConfig, render RenderFunc, onStop StopFunc) (Stream, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failOpens > 0 {
		v.failOpens--
		return nil, fmt.Errorf("virtual open: %w", v.failErr)
	}

	info, err := selectDevice(v.devices, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", deviceID, err)
	}
	if v.busy[info.ID] {
		return nil, fmt.Errorf("device %q: %w", info.ID, ErrDeviceBusy)
	}
	if v.active != nil && !v.active.closed.Load() {
		return nil, fmt.Errorf("device %q: %w", v.active.info.ID, ErrDeviceBusy)
	}

	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitDepth: 32}
	if format.SampleRate == 0 {
		format.SampleRate = info.NativeRate
	}
	if format.Channels == 0 {
		format.Channels = info.Channels
	}
	if !format.Valid() {
		return nil, fmt.Errorf("virtual format %s: %w", format, ErrUnsupportedFormat)
	}

	period := cfg.PeriodFrames
	if period <= 0 {
		period = v.opts.PeriodFrames
	}

	s := &virtualStream{
		backend: v,
		info:    info,
		format:  format,
		period:  period,
		onStop:  onStop,
		buf:     make([]float32, period*format.Channels),
		done:    make(chan struct{}),
	}
	s.render.Store(&render)
	v.active = s
	v.opens++
	return s, nil
}

// Close closes any active stream
func (v *Virtual) Close() error {
	v.mu.Lock()
	s := v.active
	v.mu.Unlock()
	if s != nil {
		return s.Close()
	}
	return nil
}

// Pump runs the render callback for up to periods periods on the active
// stream and returns how many ran
func (v *Virtual) Pump(periods int) int {
	v.mu.Lock()
	s := v.active
	v.mu.Unlock()
	if s == nil {
		return 0
	}
	n := 0
	for i := 0; i < periods; i++ {
		if !s.tick() {
			break
		}
		n++
	}
	return n
}

// PumpFrames runs callbacks until at least frames frames were rendered
func (v *Virtual) PumpFrames(frames int) int {
	v.mu.Lock()
	s := v.active
	v.mu.Unlock()
	if s == nil || s.period == 0 {
		return 0
	}
	return v.Pump((frames + s.period - 1) / s.period)
}

// SimulateLoss kills the active stream. With notify the stop callback fires
// like a backend disconnect; without it callbacks simply cease.
func (v *Virtual) SimulateLoss(notify bool) {
	v.mu.Lock()
	s := v.active
	v.mu.Unlock()
	if s == nil {
		return
	}
	s.dead.Store(true)
	if notify && s.onStop != nil {
		s.onStop(ErrDeviceLost)
	}
}

// FailOpens makes the next n Open calls fail with err
func (v *Virtual) FailOpens(n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failOpens = n
	v.failErr = err
}

// SetBusy marks a device as held by another client
func (v *Virtual) SetBusy(deviceID string, busy bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.busy[deviceID] = busy
}

// SetNativeRate changes a device's native rate for subsequent opens
func (v *Virtual) SetNativeRate(deviceID string, rate int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.devices {
		if v.devices[i].ID == deviceID {
			v.devices[i].NativeRate = rate
		}
	}
}

// RemoveDevice unplugs a device; later opens by its id fail with ErrDeviceNotFound
func (v *Virtual) RemoveDevice(deviceID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.devices {
		if v.devices[i].ID == deviceID {
			v.devices = append(v.devices[:i], v.devices[i+1:]...)
			return
		}
	}
}

// Opens counts successful Open calls
func (v *Virtual) Opens() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opens
}

// Active returns the format of the open stream
func (v *Virtual) Active() (audio.Format, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active == nil || v.active.closed.Load() {
		return audio.Format{}, false
	}
	return v.active.format, true
}

// Capture returns a copy of the captured output
func (v *Virtual) Capture() []float32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]float32(nil), v.capture...)
}

// ResetCapture clears the captured output
func (v *Virtual) ResetCapture() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.capture = v.capture[:0]
}

func (v *Virtual) record(samples []float32, channels int) {
	if v.opts.CaptureFrames <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	room := v.opts.CaptureFrames*channels - len(v.capture)
	if room <= 0 {
		return
	}
	v.capture = append(v.capture, samples[:min(room, len(samples))]...)
}

type virtualStream struct {
	backend *Virtual
	info    DeviceInfo
	format  audio.Format
	period  int
	onStop  StopFunc
	render  atomic.Pointer[RenderFunc]
	buf     []float32

	callMu  sync.Mutex
	started atomic.Bool
	dead    atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func (s *virtualStream) Format() audio.Format { return s.format }
func (s *virtualStream) Device() DeviceInfo   { return s.info }

// Start enables callbacks and, in realtime mode, starts the ticker
func (s *virtualStream) Start() error {
	if s.closed.Load() {
		return ErrDeviceLost
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if s.backend.opts.Realtime {
		s.wg.Add(1)
		go s.run()
	}
	return nil
}

func (s *virtualStream) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.period) * time.Second / time.Duration(s.format.SampleRate))
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick renders one period; it reports false once callbacks have ceased
func (s *virtualStream) tick() bool {
	if !s.started.Load() || s.dead.Load() || s.closed.Load() {
		return false
	}
	s.callMu.Lock()
	defer s.callMu.Unlock()
	render := s.render.Load()
	if render == nil {
		return false
	}
	deadline := time.Now().Add(time.Duration(s.period) * time.Second / time.Duration(s.format.SampleRate))
	(*render)(s.buf, s.period, deadline)
	s.backend.record(s.buf, s.format.Channels)
	return true
}

// Close stops callbacks; it waits for an in-flight callback to finish
func (s *virtualStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	s.callMu.Lock()
	s.render.Store(nil)
	s.callMu.Unlock()

	s.backend.mu.Lock()
	if s.backend.active == s {
		s.backend.active = nil
	}
	s.backend.mu.Unlock()
	return nil
}
