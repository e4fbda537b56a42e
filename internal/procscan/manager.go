package procscan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skobkin/diskstat-web/internal/config"
)

// Manager orchestrates periodic process I/O scans and fan-out to subscribers.
type Manager struct {
	cfg    config.ProcConfig
	logger *slog.Logger

	collector *collector

	mu          sync.RWMutex
	latest      *Snapshot
	subscribers map[*procSubscriber]struct{}
	prevIO      map[int]ioTotals
	lastScan    time.Time
	closeOnce   sync.Once
}

type ioTotals struct {
	read  uint64
	write uint64
}

// NewManager constructs a process scanner manager.
func NewManager(cfg config.ProcConfig, procRoot string, logger *slog.Logger) (*Manager, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("scan interval must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	manager := &Manager{
		cfg:         cfg,
		logger:      logger.With("component", "procscan_manager"),
		subscribers: make(map[*procSubscriber]struct{}),
		prevIO:      make(map[int]ioTotals),
	}
	coll, err := newCollector(procRoot, cfg.MaxPIDs, logger.With("component", "procscan_collector"))
	if err != nil {
		return nil, fmt.Errorf("init collector: %w", err)
	}
	manager.collector = coll
	return manager, nil
}

// Enabled reports whether scanning is configured.
func (m *Manager) Enabled() bool {
	return m.cfg.Enable
}

// Run starts the periodic /proc scanner until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.Enable {
		<-ctx.Done()
		return m.Close()
	}

	m.logger.Info("process scanner started", "interval", m.cfg.ScanInterval)
	m.performScan(time.Now())

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("process scanner stopping", "reason", ctx.Err())
			return m.Close()
		case now := <-ticker.C:
			m.performScan(now)
		}
	}
}

// Latest returns the most recent snapshot.
func (m *Manager) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Snapshot{}, false
	}
	return *m.latest, true
}

// Subscribe registers for process snapshot updates.
func (m *Manager) Subscribe() (<-chan Snapshot, func(), error) {
	if !m.cfg.Enable {
		return nil, nil, fmt.Errorf("process scanner disabled")
	}

	sub := newProcSubscriber()

	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	if m.latest != nil {
		sub.send(*m.latest)
	}
	m.mu.Unlock()

	unsubscribe := func() {
		m.removeSubscriber(sub)
	}
	return sub.channel(), unsubscribe, nil
}

// Ready reports whether at least one scan has been performed.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.lastScan.IsZero()
}

func (m *Manager) performScan(now time.Time) {
	raws, scanned, err := m.collector.collect()
	if err != nil {
		m.logger.Warn("process scan failed", "err", err)
		return
	}

	m.mu.RLock()
	prevScan := m.lastScan
	prev := m.prevIO
	m.mu.RUnlock()

	var elapsedSeconds float64
	if !prevScan.IsZero() {
		elapsed := now.Sub(prevScan)
		if elapsed <= 0 {
			elapsed = m.cfg.ScanInterval
		}
		elapsedSeconds = elapsed.Seconds()
	}

	processes := make([]Process, 0, len(raws))
	nextTotals := make(map[int]ioTotals, len(raws))

	for _, raw := range raws {
		proc := Process{
			PID:        raw.pid,
			UID:        raw.uid,
			User:       raw.user,
			Name:       raw.name,
			Command:    raw.command,
			ReadBytes:  raw.readBytes,
			WriteBytes: raw.writeBytes,
		}
		nextTotals[raw.pid] = ioTotals{read: raw.readBytes, write: raw.writeBytes}

		// A PID reused by a new process shows counters below the previous
		// ones; such entries get no rate this round.
		if last, ok := prev[raw.pid]; ok && elapsedSeconds > 0 &&
			raw.readBytes >= last.read && raw.writeBytes >= last.write {
			readRate := float64(raw.readBytes-last.read) / elapsedSeconds
			writeRate := float64(raw.writeBytes-last.write) / elapsedSeconds
			proc.ReadBytesPerS = &readRate
			proc.WriteBytesPerS = &writeRate
		}

		processes = append(processes, proc)
	}

	sort.Slice(processes, func(i, j int) bool {
		ri, rj := combinedRate(processes[i]), combinedRate(processes[j])
		if ri == rj {
			ti := processes[i].ReadBytes + processes[i].WriteBytes
			tj := processes[j].ReadBytes + processes[j].WriteBytes
			if ti == tj {
				return processes[i].PID < processes[j].PID
			}
			return ti > tj
		}
		return ri > rj
	})
	if m.cfg.TopN > 0 && len(processes) > m.cfg.TopN {
		processes = processes[:m.cfg.TopN]
	}

	snapshot := Snapshot{
		Timestamp:       now.UTC(),
		IntervalSeconds: elapsedSeconds,
		Scanned:         scanned,
		Processes:       processes,
	}
	m.publish(snapshot, nextTotals, now)
}

func combinedRate(p Process) float64 {
	var total float64
	if p.ReadBytesPerS != nil {
		total += *p.ReadBytesPerS
	}
	if p.WriteBytesPerS != nil {
		total += *p.WriteBytesPerS
	}
	return total
}

func (m *Manager) publish(snapshot Snapshot, totals map[int]ioTotals, now time.Time) {
	m.mu.Lock()
	m.latest = &snapshot
	m.prevIO = totals
	m.lastScan = now
	subs := make([]*procSubscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.send(snapshot)
	}
}

func (m *Manager) removeSubscriber(sub *procSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, sub)
	sub.close()
}

// Close ends all subscriptions. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for sub := range m.subscribers {
			sub.close()
			delete(m.subscribers, sub)
		}
	})
	return nil
}

type procSubscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newProcSubscriber() *procSubscriber {
	return &procSubscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *procSubscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *procSubscriber) send(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
		default:
		}
	}
}

func (s *procSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
