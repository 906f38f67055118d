package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crowdbus/internal/bus"
)

// Memory is an in-process Store. Writes fail with ErrTransient while its
// Connectivity reports disconnected.
type Memory struct {
	mu     sync.Mutex
	data   map[string]map[string]bus.GeoSample
	subs   map[string]map[int]chan struct{}
	nextID int
	fail   int
	conn   *Connectivity
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]bus.GeoSample),
		subs: make(map[string]map[int]chan struct{}),
		conn: NewConnectivity(true),
	}
}

func (m *Memory) Connectivity() *Connectivity { return m.conn }

// FailNext makes the next n writes fail with ErrTransient.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	m.fail = n
	m.mu.Unlock()
}

func (m *Memory) checkWrite(op string) error {
	if !m.conn.Connected() {
		return fmt.Errorf("%s: %w: disconnected", op, ErrTransient)
	}
	if m.fail > 0 {
		m.fail--
		return fmt.Errorf("%s: %w: injected failure", op, ErrTransient)
	}
	return nil
}

func (m *Memory) Upsert(_ context.Context, busID, reporterID string, s bus.GeoSample) error {
	m.mu.Lock()
	if err := m.checkWrite("upsert"); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.data[busID] == nil {
		m.data[busID] = make(map[string]bus.GeoSample)
	}
	s.ReporterID = reporterID
	m.data[busID][reporterID] = s
	m.notifyLocked(busID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, busID, reporterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite("remove"); err != nil {
		return err
	}
	if _, ok := m.data[busID][reporterID]; ok {
		delete(m.data[busID], reporterID)
		m.notifyLocked(busID)
	}
	return nil
}

func (m *Memory) Snapshot(_ context.Context, busID string) ([]bus.GeoSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(busID), nil
}

func (m *Memory) snapshotLocked(busID string) []bus.GeoSample {
	out := make([]bus.GeoSample, 0, len(m.data[busID]))
	for _, s := range m.data[busID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReporterID < out[j].ReporterID })
	return out
}

func (m *Memory) Subscribe(ctx context.Context, busID string, onChange ChangeFunc, _ ErrorFunc) (func(), error) {
	kick := make(chan struct{}, 1)
	kick <- struct{}{}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.subs[busID] == nil {
		m.subs[busID] = make(map[int]chan struct{})
	}
	m.subs[busID][id] = kick
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-subCtx.Done():
				return
			case <-kick:
			}
			snap, _ := m.Snapshot(subCtx, busID)
			onChange(snap)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[busID], id)
			m.mu.Unlock()
			cancel()
			<-done
		})
	}, nil
}

func (m *Memory) RemoveStale(_ context.Context, busID string, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := olderThan.UnixMilli()
	n := 0
	for reporter, s := range m.data[busID] {
		if s.Time < cutoff {
			delete(m.data[busID], reporter)
			n++
		}
	}
	if n > 0 {
		m.notifyLocked(busID)
	}
	return n, nil
}

// notifyLocked wakes every subscriber of busID; pending wake-ups coalesce.
func (m *Memory) notifyLocked(busID string) {
	for _, kick := range m.subs[busID] {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

var _ Store = (*Memory)(nil)
