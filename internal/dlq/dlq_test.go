package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	rows     []Row
	resolved []int64
	released []int64
}

func (f *fakeBackend) ClaimBatch(_ context.Context, _ string, _ time.Duration, limit int) ([]Row, error) {
	if len(f.rows) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(f.rows) {
		n = len(f.rows)
	}
	batch := f.rows[:n]
	f.rows = f.rows[n:]
	return batch, nil
}

func (f *fakeBackend) Resolve(_ context.Context, id int64) error {
	f.resolved = append(f.resolved, id)
	return nil
}

func (f *fakeBackend) Release(_ context.Context, id int64, _ string) error {
	f.released = append(f.released, id)
	return nil
}

func (f *fakeBackend) Depth(_ context.Context) (int64, error) {
	return int64(len(f.rows)), nil
}

func TestRunOnce_ResolvesSuccessfulRedeliveries(t *testing.T) {
	backend := &fakeBackend{rows: []Row{{ID: 1}, {ID: 2}, {ID: 3}}}
	p := New(backend, func(ctx context.Context, row Row) error { return nil })

	resolved, released, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, resolved)
	require.Equal(t, 0, released)
	require.Equal(t, []int64{1, 2, 3}, backend.resolved)
}

func TestRunOnce_ReleasesFailedRedeliveries(t *testing.T) {
	backend := &fakeBackend{rows: []Row{{ID: 1}}}
	want := errors.New("downstream unreachable")
	p := New(backend, func(ctx context.Context, row Row) error { return want })

	resolved, released, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, resolved)
	require.Equal(t, 1, released)
	require.Equal(t, []int64{1}, backend.released)
}

func TestCircuitBreaker_TripsAfterFiveConsecutiveFailures(t *testing.T) {
	rows := make([]Row, 10)
	for i := range rows {
		rows[i] = Row{ID: int64(i + 1)}
	}
	backend := &fakeBackend{rows: rows}
	p := New(backend, func(ctx context.Context, row Row) error { return errors.New("boom") })

	_, _, err := p.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrCircuitOpen, "after 5 consecutive failures the breaker should open mid-batch")
	require.Less(t, len(backend.released), 10, "rows after the trip point should still be in the queue, not released")
}

func TestRunOnce_EmptyQueueIsANoOp(t *testing.T) {
	backend := &fakeBackend{}
	p := New(backend, func(ctx context.Context, row Row) error { return nil })

	resolved, released, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, resolved)
	require.Equal(t, 0, released)
}
