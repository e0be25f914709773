// ABOUTME: Device clock monitor tracking callback cadence and sample-rate drift
// ABOUTME: The realtime side only stores atomics; estimation runs on the control side
package clock

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Quality represents how healthy the device clock looks
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

const (
	// smoothingRate weights new drift measurements
	smoothingRate = 0.1

	// maxResidual rejects rate samples that disagree wildly with the estimate
	maxResidual = 0.05

	// degradedDrift marks a clock running this far off nominal as degraded
	degradedDrift = 0.01
)

// Monitor watches the device callback. Observe is called from the callback;
// everything else runs on control goroutines.
type Monitor struct {
	// realtime side
	lastNanos atomic.Int64
	frames    atomic.Int64
	callbacks atomic.Int64
	late      atomic.Int64

	mu          sync.Mutex
	nominal     int
	silence     time.Duration
	drift       float64 // measured/nominal - 1
	sampleCount int
	lastSample  time.Time
	lastFrames  int64
	quality     Quality
	now         func() time.Time
}

// Stats is a snapshot of the monitor estimate
type Stats struct {
	NominalRate  int
	MeasuredRate float64
	Drift        float64
	Callbacks    int64
	Late         int64
	SinceLast    time.Duration
	Quality      Quality
}

// NewMonitor creates a monitor that reports the clock lost after silence
// without callbacks
func NewMonitor(silence time.Duration) *Monitor {
	return &Monitor{
		silence: silence,
		quality: QualityLost,
		now:     time.Now,
	}
}

// Observe records one callback of frames frames. It is safe on the realtime path.
func (m *Monitor) Observe(frames int, deadline time.Time) {
	now := time.Now()
	m.lastNanos.Store(now.UnixNano())
	m.frames.Add(int64(frames))
	m.callbacks.Add(1)
	if !deadline.IsZero() && now.After(deadline) {
		m.late.Add(1)
	}
}

// Reset starts a fresh estimate for a device running at rate
func (m *Monitor) Reset(rate int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nominal = rate
	m.drift = 0
	m.sampleCount = 0
	m.lastSample = time.Time{}
	m.lastFrames = m.frames.Load()
	m.quality = QualityGood
	m.lastNanos.Store(m.now().UnixNano())
}

// SinceLast returns the time since the last callback
func (m *Monitor) SinceLast() time.Duration {
	last := m.lastNanos.Load()
	if last == 0 {
		return 0
	}
	return m.now().Sub(time.Unix(0, last))
}

// Sample folds the frames rendered since the previous sample into the drift
// estimate and updates quality. Call it periodically from the watchdog.
func (m *Monitor) Sample() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	frames := m.frames.Load()

	if m.silence > 0 && m.SinceLast() > m.silence {
		m.quality = QualityLost
		m.lastSample = now
		m.lastFrames = frames
		return m.quality
	}

	if m.lastSample.IsZero() || m.nominal == 0 {
		m.lastSample = now
		m.lastFrames = frames
		return m.quality
	}

	dt := now.Sub(m.lastSample).Seconds()
	if dt <= 0 {
		return m.quality
	}
	measured := float64(frames-m.lastFrames) / dt
	m.lastSample = now
	m.lastFrames = frames

	sample := measured/float64(m.nominal) - 1

	switch {
	case m.sampleCount == 0:
		m.drift = sample
	case math.Abs(sample-m.drift) > maxResidual:
		// Callback bursts after a stall; keep the estimate
	default:
		m.drift += smoothingRate * (sample - m.drift)
	}
	m.sampleCount++

	if math.Abs(m.drift) > degradedDrift {
		m.quality = QualityDegraded
	} else {
		m.quality = QualityGood
	}
	return m.quality
}

// Stats returns the current estimate
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		NominalRate:  m.nominal,
		MeasuredRate: float64(m.nominal) * (1 + m.drift),
		Drift:        m.drift,
		Callbacks:    m.callbacks.Load(),
		Late:         m.late.Load(),
		SinceLast:    m.SinceLast(),
		Quality:      m.quality,
	}
}

// Quality returns the last computed quality
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}
