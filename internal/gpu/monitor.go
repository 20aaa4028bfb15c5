// Package gpu samples local GPU utilization into a short sliding window.
//
// The balancer reports its own /llmhealth using the maximum utilization seen
// over the last five samples, mirroring what the backends report. The actual
// utilization source is injected as a func so platform-specific samplers
// (NVML, perf counters) can be plugged in; the default source reads zero.
package gpu

import (
	"sync"
	"time"
)

const (
	windowSize     = 5
	sampleInterval = time.Second
)

// Source returns the current GPU utilization in percent (0..100).
type Source func() float64

// Monitor keeps the last windowSize samples of a Source.
type Monitor struct {
	mu     sync.Mutex
	window []float64

	src  Source
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMonitor creates a Monitor. A nil src is treated as a constant zero.
// Call Start to begin sampling.
func NewMonitor(src Source) *Monitor {
	if src == nil {
		src = func() float64 { return 0 }
	}
	return &Monitor{
		window: make([]float64, 0, windowSize),
		src:    src,
		done:   make(chan struct{}),
	}
}

// Start launches the background sampling loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Close stops the sampling loop and waits for it to exit.
func (m *Monitor) Close() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Max returns the largest sample in the window, 0 when empty.
func (m *Monitor) Max() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0.0
	for _, v := range m.window {
		if v > max {
			max = v
		}
	}
	return max
}

func (m *Monitor) record(v float64) {
	m.mu.Lock()
	if len(m.window) == windowSize {
		copy(m.window, m.window[1:])
		m.window = m.window[:windowSize-1]
	}
	m.window = append(m.window, v)
	m.mu.Unlock()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	m.record(m.src())
	for {
		select {
		case <-ticker.C:
			m.record(m.src())
		case <-m.done:
			return
		}
	}
}
