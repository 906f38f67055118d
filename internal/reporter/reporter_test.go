package reporter

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbus/internal/bus"
	"crowdbus/internal/store"
)

type notices struct {
	mu  sync.Mutex
	all []Notice
}

func (n *notices) Notify(x Notice) {
	n.mu.Lock()
	n.all = append(n.all, x)
	n.mu.Unlock()
}

func (n *notices) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NoticeKind, len(n.all))
	for i, x := range n.all {
		out[i] = x.Kind
	}
	return out
}

func (n *notices) lastOf(kind NoticeKind) (Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.all) - 1; i >= 0; i-- {
		if n.all[i].Kind == kind {
			return n.all[i], true
		}
	}
	return Notice{}, false
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newWriter(t *testing.T, st store.Store, n Notifier, clk *clock) *Writer {
	t.Helper()
	w := NewWriter(WriterConfig{
		BusID:      "bus-1",
		ReporterID: "user_1",
		RetryStep:  time.Millisecond,
		Now:        clk.Now,
	}, st, n, nil)
	w.Start(context.Background())
	t.Cleanup(w.Close)
	return w
}

func sampleOf(t *testing.T, st store.Store) []bus.GeoSample {
	t.Helper()
	snap, err := st.Snapshot(context.Background(), "bus-1")
	require.NoError(t, err)
	return snap
}

func TestWriterDebounce(t *testing.T) {
	st := store.NewMemory()
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	w := newWriter(t, st, nil, clk)

	assert.True(t, w.Offer(bus.GeoSample{Lat: 1, Lng: 1}))
	clk.Advance(time.Second)
	assert.False(t, w.Offer(bus.GeoSample{Lat: 2, Lng: 2}))
	clk.Advance(4 * time.Second)
	assert.True(t, w.Offer(bus.GeoSample{Lat: 3, Lng: 3, Accuracy: 7}))

	require.Eventually(t, func() bool {
		snap := sampleOf(t, st)
		return len(snap) == 1 && snap[0].Lat == 3
	}, time.Second, time.Millisecond)

	snap := sampleOf(t, st)
	assert.Equal(t, 7.0, snap[0].Accuracy)
	assert.Equal(t, clk.Now().UnixMilli(), snap[0].Time)
}

func TestWriterFillsDefaultAccuracy(t *testing.T) {
	st := store.NewMemory()
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	w := newWriter(t, st, nil, clk)

	w.Offer(bus.GeoSample{Lat: 1, Lng: 1, Time: 42})
	require.Eventually(t, func() bool { return len(sampleOf(t, st)) == 1 }, time.Second, time.Millisecond)
	snap := sampleOf(t, st)
	assert.Equal(t, bus.DefaultAccuracy, snap[0].Accuracy)
	assert.Equal(t, int64(42), snap[0].Time)
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	st := store.NewMemory()
	st.FailNext(2)
	n := &notices{}
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	w := newWriter(t, st, n, clk)

	w.Offer(bus.GeoSample{Lat: 1, Lng: 1})
	require.Eventually(t, func() bool {
		_, ok := n.lastOf(NoticeWritten)
		return ok
	}, time.Second, time.Millisecond)

	assert.Equal(t, []NoticeKind{NoticeRetrying, NoticeRetrying, NoticeWritten}, n.kinds())
	last, _ := n.lastOf(NoticeRetrying)
	assert.Equal(t, "Failed to update location. Retrying (2/3)...", last.Message)
	_, pending := w.Pending()
	assert.False(t, pending)
}

func TestWriterGivesUpThenManualRetry(t *testing.T) {
	st := store.NewMemory()
	st.FailNext(100)
	n := &notices{}
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	w := newWriter(t, st, n, clk)

	w.Offer(bus.GeoSample{Lat: 1, Lng: 1})
	require.Eventually(t, func() bool {
		_, ok := n.lastOf(NoticeFailed)
		return ok
	}, time.Second, time.Millisecond)

	failed, _ := n.lastOf(NoticeFailed)
	assert.ErrorIs(t, failed.Err, ErrRetriesExhausted)
	assert.ErrorIs(t, failed.Err, store.ErrTransient)
	assert.Equal(t, 4, failed.Attempt)
	require.NotNil(t, failed.Retry)
	_, pending := w.Pending()
	assert.True(t, pending)

	st.FailNext(0)
	failed.Retry()
	require.Eventually(t, func() bool { return len(sampleOf(t, st)) == 1 }, time.Second, time.Millisecond)
}

func TestWriterResendsOnReconnect(t *testing.T) {
	st := store.NewMemory()
	n := &notices{}
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	w := newWriter(t, st, n, clk)

	st.Connectivity().Set(false)
	w.Offer(bus.GeoSample{Lat: 1, Lng: 1})
	require.Eventually(t, func() bool {
		_, ok := n.lastOf(NoticeFailed)
		return ok
	}, time.Second, time.Millisecond)
	assert.Empty(t, sampleOf(t, st))

	st.Connectivity().Set(true)
	require.Eventually(t, func() bool { return len(sampleOf(t, st)) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, pending := w.Pending()
		return !pending
	}, time.Second, time.Millisecond)
}

func TestReadPolicy(t *testing.T) {
	p := NewReadPolicy()

	d := p.OnError(&GPSError{Code: GPSPermissionDenied})
	assert.False(t, d.Retry)
	assert.ErrorIs(t, d.Err, ErrPermissionDenied)

	for i := 1; i <= 3; i++ {
		d = p.OnError(&GPSError{Code: GPSTimeout})
		require.True(t, d.Retry)
		assert.Equal(t, i, d.Attempt)
		assert.Equal(t, 3*time.Second, d.After)
	}
	assert.True(t, strings.HasSuffix(d.Message, "(Attempt 3/3)"))

	d = p.OnError(&GPSError{Code: GPSUnavailable})
	assert.False(t, d.Retry)
	assert.ErrorIs(t, d.Err, ErrRetriesExhausted)

	p.OnFix()
	d = p.OnError(errors.New("boom"))
	assert.True(t, d.Retry)
	assert.Equal(t, "Unknown GPS error occurred. (Attempt 1/3)", d.Message)

	p.OnError(&GPSError{Code: GPSTimeout})
	p.OnError(&GPSError{Code: GPSTimeout})
	require.False(t, p.OnError(&GPSError{Code: GPSTimeout}).Retry)
	p.Reset()
	d = p.OnError(&GPSError{Code: GPSTimeout})
	assert.True(t, d.Retry)
	assert.Equal(t, 1, d.Attempt)
}

func TestReporterRunSharesAndLeaves(t *testing.T) {
	st := store.NewMemory()
	n := &notices{}
	input := strings.Join([]string{
		`{"error":"timeout","message":"no fix"}`,
		`not json`,
		`{"lat":200,"lng":77.2,"accuracy":10}`,
		`{"lat":28.6,"lng":77.2,"accuracy":10}`,
	}, "\n")

	rep := New(Config{
		Writer:         WriterConfig{BusID: "bus-1", ReporterID: "user_1", RetryStep: time.Millisecond},
		ReadRetryDelay: time.Millisecond,
	}, st, NewNDJSONSource(strings.NewReader(input)), n, nil)

	require.NoError(t, rep.Run(context.Background()))

	gps, ok := n.lastOf(NoticeGPS)
	require.True(t, ok)
	assert.Equal(t, "GPS request timed out. Retrying... (Attempt 1/3)", gps.Message)
	assert.Empty(t, sampleOf(t, st))
}

func TestReporterStopsOnPermissionDenied(t *testing.T) {
	st := store.NewMemory()
	rep := New(Config{
		Writer: WriterConfig{BusID: "bus-1", ReporterID: "user_1"},
	}, st, NewNDJSONSource(strings.NewReader(`{"error":"permission_denied"}`+"\n")), nil, nil)

	err := rep.Run(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

type countingStore struct {
	*store.Memory
	mu      sync.Mutex
	upserts int
}

func (c *countingStore) Upsert(ctx context.Context, busID, reporterID string, s bus.GeoSample) error {
	if err := c.Memory.Upsert(ctx, busID, reporterID, s); err != nil {
		return err
	}
	c.mu.Lock()
	c.upserts++
	c.mu.Unlock()
	return nil
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upserts
}

func TestReporterKeepsReadingAfterGPSRetriesExhausted(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	n := &notices{}
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	rep := New(Config{
		Writer:         WriterConfig{BusID: "bus-1", ReporterID: "user_1", RetryStep: time.Millisecond},
		ReadRetryDelay: time.Millisecond,
	}, st, NewNDJSONSource(pr), n, nil)

	done := make(chan error, 1)
	go func() { done <- rep.Run(context.Background()) }()

	for i := 0; i < 4; i++ {
		_, err := io.WriteString(pw, `{"error":"timeout"}`+"\n")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		gps, ok := n.lastOf(NoticeGPS)
		return ok && errors.Is(gps.Err, ErrRetriesExhausted)
	}, time.Second, time.Millisecond)

	gps, _ := n.lastOf(NoticeGPS)
	assert.Equal(t, "GPS request timed out. Retrying...", gps.Message)
	require.NotNil(t, gps.Retry)
	gps.Retry()

	_, err := io.WriteString(pw, `{"lat":28.6,"lng":77.2,"accuracy":10}`+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return st.count() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop at end of input")
	}
	assert.Empty(t, sampleOf(t, st))
}
