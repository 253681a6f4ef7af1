// Package monitor turns the receive stream into level and spectrum readings
// for display.
package monitor

import (
	"math"
	"math/cmplx"
	"sync"
	"time"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/dougsko/hiqsdr/pkg/hardware"
	"github.com/dougsko/hiqsdr/pkg/iq"
	"github.com/dougsko/hiqsdr/pkg/logging"
)

const (
	floorDB        = -150.0
	clipThreshold  = 0.99
	defaultBatch   = 64
	peakHoldPeriod = 2 * time.Second
)

// LevelData holds signal levels in dBFS
type LevelData struct {
	Timestamp int64   `json:"timestamp"`
	RMSLevel  float32 `json:"rms"`
	PeakLevel float32 `json:"peak"`
	Clipping  bool    `json:"clipping"`
}

// SpectrumData is a magnitude spectrum with DC in the middle bin
type SpectrumData struct {
	Timestamp       int64     `json:"timestamp"`
	SampleRate      int       `json:"sample_rate"`
	CenterFrequency int64     `json:"center_frequency"`
	Spectrum        []float32 `json:"spectrum"`
	FreqStep        float32   `json:"freq_step"`
}

// VisualizationData combines level and spectrum data
type VisualizationData struct {
	LevelData
	SpectrumData
}

// Monitor is a stream subscriber that keeps running level and spectrum
// measurements. It asks for datagrams in batches and releases each buffer as
// soon as the samples are decoded.
type Monitor struct {
	mutex sync.RWMutex

	sampleRate      int
	centerFrequency int64
	fftSize         int
	batch           int64

	currentRMS   float32
	currentPeak  float32
	peakHold     float32
	peakHoldTime time.Time
	isClipping   bool

	spectrum     []float32
	spectrumTime time.Time

	sampleBuffer []complex128
	fftBuffer    []complex128
	window       []float64
	decoded      []complex128

	packetCount int64
	sampleCount int64
	clipCount   int64

	sub      *hardware.Subscription
	pending  int64
	err      error
	finished bool
}

// NewMonitor creates a monitor. fftSize should be a power of two.
func NewMonitor(sampleRate, fftSize int) *Monitor {
	return &Monitor{
		sampleRate:  sampleRate,
		fftSize:     fftSize,
		batch:       defaultBatch,
		currentRMS:  floorDB,
		currentPeak: floorDB,
		peakHold:    floorDB,
		spectrum:    make([]float32, fftSize),
		fftBuffer:   make([]complex128, fftSize),
		window:      window.Hann(fftSize),
		decoded:     make([]complex128, 0, iq.SamplesPerPacket),
	}
}

// SetTuning updates the values used to label the spectrum
func (m *Monitor) SetTuning(sampleRate int, centerFrequency int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sampleRate = sampleRate
	m.centerFrequency = centerFrequency
}

func (m *Monitor) OnSubscribe(s *hardware.Subscription) {
	m.mutex.Lock()
	m.sub = s
	m.mutex.Unlock()
	s.Request(m.batch)
}

func (m *Monitor) OnNext(buf *hardware.Buffer) {
	var err error
	m.decoded, err = iq.DecodePayload(m.decoded[:0], buf.Payload())
	buf.Release()
	if err != nil {
		logging.Warnf("monitor", "dropping datagram: %v", err)
		return
	}

	m.ProcessSamples(m.decoded)

	m.mutex.Lock()
	m.packetCount++
	m.pending++
	var renew int64
	if m.pending >= m.batch/2 {
		renew = m.pending
		m.pending = 0
	}
	sub := m.sub
	m.mutex.Unlock()

	if renew > 0 && sub != nil {
		sub.Request(renew)
	}
}

func (m *Monitor) OnError(err error) {
	m.mutex.Lock()
	m.err = err
	m.finished = true
	m.mutex.Unlock()
	logging.Infof("monitor", "stream ended: %v", err)
}

func (m *Monitor) OnComplete() {
	m.mutex.Lock()
	m.finished = true
	m.mutex.Unlock()
}

// ProcessSamples folds samples into the level and spectrum measurements
func (m *Monitor) ProcessSamples(samples []complex128) {
	if len(samples) == 0 {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calculateLevels(samples)

	m.sampleBuffer = append(m.sampleBuffer, samples...)
	if len(m.sampleBuffer) >= m.fftSize {
		m.calculateSpectrum(m.sampleBuffer[len(m.sampleBuffer)-m.fftSize:])
		m.sampleBuffer = m.sampleBuffer[:0]
	}

	m.sampleCount += int64(len(samples))
}

func toDB(v float64) float32 {
	if v <= 0 {
		return floorDB
	}
	db := 20 * math.Log10(v)
	if db < floorDB {
		return floorDB
	}
	return float32(db)
}

func (m *Monitor) calculateLevels(samples []complex128) {
	var sumSquares, peak float64
	clipping := false

	for _, s := range samples {
		mag := cmplx.Abs(s)
		if mag > peak {
			peak = mag
		}
		if math.Abs(real(s)) >= clipThreshold || math.Abs(imag(s)) >= clipThreshold {
			clipping = true
			m.clipCount++
		}
		sumSquares += mag * mag
	}

	m.currentRMS = toDB(math.Sqrt(sumSquares / float64(len(samples))))
	m.currentPeak = toDB(peak)

	now := time.Now()
	if m.currentPeak > m.peakHold || now.Sub(m.peakHoldTime) > peakHoldPeriod {
		m.peakHold = m.currentPeak
		m.peakHoldTime = now
	}
	m.isClipping = clipping
}

func (m *Monitor) calculateSpectrum(samples []complex128) {
	for i := 0; i < m.fftSize; i++ {
		m.fftBuffer[i] = samples[i] * complex(m.window[i], 0)
	}

	result := fft.FFT(m.fftBuffer)

	// negative frequencies first so DC lands in the middle
	half := m.fftSize / 2
	scale := float64(m.fftSize) / 2
	for i := 0; i < m.fftSize; i++ {
		bin := result[(i+half)%m.fftSize]
		m.spectrum[i] = toDB(cmplx.Abs(bin) / scale)
	}

	m.spectrumTime = time.Now()
}

// GetCurrentLevels returns the latest levels
func (m *Monitor) GetCurrentLevels() LevelData {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return LevelData{
		Timestamp: time.Now().UnixMilli(),
		RMSLevel:  m.currentRMS,
		PeakLevel: m.currentPeak,
		Clipping:  m.isClipping,
	}
}

// GetCurrentSpectrum returns a copy of the latest spectrum
func (m *Monitor) GetCurrentSpectrum() SpectrumData {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	spectrum := make([]float32, len(m.spectrum))
	copy(spectrum, m.spectrum)

	return SpectrumData{
		Timestamp:       m.spectrumTime.UnixMilli(),
		SampleRate:      m.sampleRate,
		CenterFrequency: m.centerFrequency,
		Spectrum:        spectrum,
		FreqStep:        float32(m.sampleRate) / float32(m.fftSize),
	}
}

// GetVisualizationData returns levels and spectrum together
func (m *Monitor) GetVisualizationData() VisualizationData {
	return VisualizationData{
		LevelData:    m.GetCurrentLevels(),
		SpectrumData: m.GetCurrentSpectrum(),
	}
}

// GetStatistics returns monitoring statistics
func (m *Monitor) GetStatistics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	clipRate := float64(0)
	if m.sampleCount > 0 {
		clipRate = float64(m.clipCount) / float64(m.sampleCount) * 100.0
	}

	stats := map[string]interface{}{
		"packet_count":  m.packetCount,
		"sample_count":  m.sampleCount,
		"clip_count":    m.clipCount,
		"clip_rate_pct": clipRate,
		"peak_hold_db":  m.peakHold,
		"sample_rate":   m.sampleRate,
		"fft_size":      m.fftSize,
		"finished":      m.finished,
	}
	if m.err != nil {
		stats["error"] = m.err.Error()
	}
	return stats
}

// IsRunning reports whether the monitor is attached to a live stream
func (m *Monitor) IsRunning() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.sub != nil && !m.finished
}

// Stop detaches the monitor from its stream
func (m *Monitor) Stop() {
	m.mutex.Lock()
	sub := m.sub
	m.finished = true
	m.mutex.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}
