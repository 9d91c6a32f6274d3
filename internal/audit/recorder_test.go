package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	block   chan struct{}
}

func (m *memStore) Insert(ctx context.Context, entry Entry) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memStore) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	rows := m.entries
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return append([]Entry(nil), rows...), nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type countingDrops struct {
	n atomic.Int64
}

func (c *countingDrops) Inc() { c.n.Add(1) }

func entry(action string) Entry {
	return Entry{ID: uuid.New(), Action: action, UserID: "u1", At: time.Now()}
}

func TestRecorderDeliversAndDrainsOnClose(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store, nil, nil)

	for i := 0; i < 10; i++ {
		rec.Record(context.Background(), entry("authz.check"))
	}
	rec.Close()

	require.Equal(t, 10, store.count())
}

func TestRecordNeverBlocksOnFullBuffer(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	drops := &countingDrops{}
	rec := NewRecorder(store, nil, drops)

	// The writer is wedged on the first entry; everything past the buffer
	// must be dropped, not queued.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBuffer+50; i++ {
			rec.Record(context.Background(), entry("authz.check"))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	require.Positive(t, drops.n.Load())

	close(store.block)
	rec.Close()
}

func TestRecorderCountsStoreFailuresAsDrops(t *testing.T) {
	store := &memStore{err: errors.New("connection refused")}
	drops := &countingDrops{}
	rec := NewRecorder(store, nil, drops)

	rec.Record(context.Background(), entry("access.granted"))
	rec.Close()

	require.EqualValues(t, 1, drops.n.Load())
	require.Zero(t, store.count())
}

func TestRecordAfterCloseDrops(t *testing.T) {
	store := &memStore{}
	drops := &countingDrops{}
	rec := NewRecorder(store, nil, drops)
	rec.Close()

	rec.Record(context.Background(), entry("access.granted"))
	require.EqualValues(t, 1, drops.n.Load())
	require.Zero(t, store.count())
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.Record(context.Background(), entry("authz.check"))
}

func TestTimelinePaging(t *testing.T) {
	store := &memStore{}
	for i := 0; i < 45; i++ {
		store.entries = append(store.entries, entry("authz.check"))
	}
	svc := NewService(store)
	ctx := context.Background()

	// Defaults: page 1, 20 rows, next page announced.
	res, err := svc.Timeline(ctx, TimelineFilters{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 20)
	require.Equal(t, PagingInfo{Page: 1, PageSize: 20, HasNext: true, NextPage: 2}, res.Paging)

	// Last partial page.
	res, err = svc.Timeline(ctx, TimelineFilters{Page: 3})
	require.NoError(t, err)
	require.Len(t, res.Rows, 5)
	require.Equal(t, PagingInfo{Page: 3, PageSize: 20, HasNext: false, PrevPage: 2}, res.Paging)

	// Oversized page size is clamped.
	res, err = svc.Timeline(ctx, TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	require.Len(t, res.Rows, 45)
	require.Equal(t, 50, res.Paging.PageSize)
	require.False(t, res.Paging.HasNext)

	// Negative inputs fall back to defaults.
	res, err = svc.Timeline(ctx, TimelineFilters{Page: -2, PageSize: -1})
	require.NoError(t, err)
	require.Equal(t, 1, res.Paging.Page)
	require.Equal(t, 20, res.Paging.PageSize)
}
