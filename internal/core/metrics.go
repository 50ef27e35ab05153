package core

import (
	"sync"
	"time"

	"github.com/3cpo-dev/jetrun/internal/workflow"
)

// Metrics tracks run statistics
type Metrics struct {
	mu         sync.RWMutex
	submitted  int64
	terminal   map[workflow.Status]int64
	polls      int64
	pollErrors int64
	pollTime   time.Duration
}

type MetricsSnapshot struct {
	Submitted  int64
	Complete   int64
	Failed     int64
	Canceled   int64
	Polls      int64
	PollErrors int64
	MeanPoll   time.Duration
}

func NewMetrics() *Metrics {
	return &Metrics{terminal: make(map[workflow.Status]int64)}
}

func (m *Metrics) RecordSubmit() {
	m.mu.Lock()
	m.submitted++
	m.mu.Unlock()
}

// RecordPoll records one status check and whether it errored
func (m *Metrics) RecordPoll(d time.Duration, err error) {
	m.mu.Lock()
	m.polls++
	m.pollTime += d
	if err != nil {
		m.pollErrors++
	}
	m.mu.Unlock()
}

func (m *Metrics) RecordTerminal(s workflow.Status, n int) {
	m.mu.Lock()
	m.terminal[s] += int64(n)
	m.mu.Unlock()
}

// Stats returns current metrics
func (m *Metrics) Stats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := MetricsSnapshot{
		Submitted:  m.submitted,
		Complete:   m.terminal[workflow.StatusComplete],
		Failed:     m.terminal[workflow.StatusFailed],
		Canceled:   m.terminal[workflow.StatusCanceled],
		Polls:      m.polls,
		PollErrors: m.pollErrors,
	}
	if m.polls > 0 {
		s.MeanPoll = m.pollTime / time.Duration(m.polls)
	}
	return s
}
