package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/diskstat-web/internal/diskstats"
)

// Manager periodically captures diskstats snapshots, derives interval
// statistics, caches the latest report and fan-outs updates to subscribers.
type Manager struct {
	interval time.Duration
	source   diskstats.Source
	tracker  *Tracker
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	latest      *Report
	devices     []string
	subscribers map[*subscriber]struct{}
	onChange    func()
	closeOnce   sync.Once
	closeErr    error

	reports           atomic.Uint64
	baselineResets    atomic.Uint64
	consistencyErrors atomic.Uint64
	readErrors        atomic.Uint64
	unusableCaptures  atomic.Uint64
}

// NewManager builds a Manager reading from source. keep selects the devices
// to report; nil keeps all of them.
func NewManager(interval time.Duration, source diskstats.Source, keep func(name string) bool, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if source == nil {
		return nil, fmt.Errorf("diskstats source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	manager := &Manager{
		interval:    interval,
		source:      source,
		tracker:     NewTracker(keep),
		logger:      logger.With("component", "sampler_manager"),
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: make(map[*subscriber]struct{}),
	}
	return manager, nil
}

// Run samples until the context is canceled. The first capture only primes
// the baseline; reports start one interval later.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("sampler started", "interval", m.interval)

	m.collect(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return m.Close()
		case <-ticker.C:
			m.collect(ctx)
		}
	}
}

func (m *Manager) collect(ctx context.Context) {
	snapshot, err := m.source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.readErrors.Add(1)
		m.logger.Warn("diskstats read failed, keeping baseline", "err", err)
		return
	}

	report, outcome, err := m.tracker.Observe(snapshot, m.now())
	baseline, _ := m.tracker.Baseline()
	m.setDevices(baseline.Devices())

	switch outcome {
	case OutcomeBaseline:
		m.logger.Debug("baseline captured", "devices", len(baseline))
	case OutcomeReport:
		m.reports.Add(1)
		m.storeReport(report)
	case OutcomeCounterReset:
		m.baselineResets.Add(1)
		m.logger.Warn("counter reset detected, skipping interval", "err", err)
	case OutcomeDeviceChange:
		m.consistencyErrors.Add(1)
		m.logger.Warn("device set changed, skipping interval", "err", err)
		m.mu.RLock()
		onChange := m.onChange
		m.mu.RUnlock()
		if onChange != nil {
			onChange()
		}
	default:
		m.unusableCaptures.Add(1)
		m.logger.Warn("unusable diskstats capture, skipping interval", "err", err)
	}
}

// OnDeviceChange registers fn to run after a capture brought devices the
// baseline did not have.
func (m *Manager) OnDeviceChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Latest returns the most recent report.
func (m *Manager) Latest() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Report{}, false
	}
	return *m.latest, true
}

// Subscribe registers a listener for new reports. Slow listeners only ever
// see the newest report.
func (m *Manager) Subscribe() (<-chan Report, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}

	if m.latest != nil {
		sub.send(*m.latest)
	}

	unsubscribe := func() {
		m.removeSubscriber(sub)
	}
	return sub.channel(), unsubscribe
}

// Devices returns the names of the devices currently tracked.
func (m *Manager) Devices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.devices))
	copy(out, m.devices)
	return out
}

// Interval returns the sampling period.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Ready reports whether at least one report has been published.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest != nil
}

// Counters returns a snapshot of the interval outcome counters.
func (m *Manager) Counters() Counters {
	return Counters{
		Reports:           m.reports.Load(),
		BaselineResets:    m.baselineResets.Load(),
		ConsistencyErrors: m.consistencyErrors.Load(),
		ReadErrors:        m.readErrors.Load(),
		UnusableCaptures:  m.unusableCaptures.Load(),
	}
}

func (m *Manager) setDevices(devices []string) {
	m.mu.Lock()
	m.devices = devices
	m.mu.Unlock()
}

func (m *Manager) storeReport(report Report) {
	m.mu.Lock()
	m.latest = &report

	targetSubs := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targetSubs = append(targetSubs, sub)
	}
	m.mu.Unlock()

	for _, sub := range targetSubs {
		sub.send(report)
	}
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, sub)
	sub.close()
}

// Close closes all subscriber channels and releases the source when it
// holds resources. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		for sub := range m.subscribers {
			sub.close()
			delete(m.subscribers, sub)
		}
		m.mu.Unlock()

		var errs []error
		if closer, ok := m.source.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close diskstats source: %w", err))
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

type subscriber struct {
	ch     chan Report
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Report, 1),
	}
}

func (s *subscriber) channel() <-chan Report {
	return s.ch
}

func (s *subscriber) send(report Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- report:
		return
	default:
		// Drop oldest to make room for new report.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- report:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
