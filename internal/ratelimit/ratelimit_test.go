package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dgurram/decoy/model"
)

func newTestLimiter() *Limiter {
	return New(1000, time.Second)
}

func TestReserveDeniesPastDailyLimit(t *testing.T) {
	t.Parallel()

	l := newTestLimiter()
	id := uuid.New()
	l.Track(id, 2, 0)

	first, err := l.Reserve(id)
	require.NoError(t, err)
	_, err = l.Reserve(id)
	require.NoError(t, err)

	_, err = l.Reserve(id)
	require.ErrorIs(t, err, model.ErrQuotaExhausted)

	first.Release()
	_, err = l.Reserve(id)
	require.NoError(t, err)
}

func TestReserveUnknownWorker(t *testing.T) {
	t.Parallel()

	l := newTestLimiter()

	_, err := l.Reserve(uuid.New())
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCommitMovesReservationToUsed(t *testing.T) {
	t.Parallel()

	l := newTestLimiter()
	id := uuid.New()
	l.Track(id, 5, 0)

	r, err := l.Reserve(id)
	require.NoError(t, err)
	require.Equal(t, 4, l.Remaining(id))
	require.Equal(t, 0, l.Used(id))

	r.Commit()
	require.Equal(t, 1, l.Used(id))
	require.Equal(t, 4, l.Remaining(id))

	// settling twice changes nothing
	r.Commit()
	r.Release()
	require.Equal(t, 1, l.Used(id))
	require.Equal(t, 4, l.Remaining(id))
}

func TestReleaseReturnsQuota(t *testing.T) {
	t.Parallel()

	l := newTestLimiter()
	id := uuid.New()
	l.Track(id, 5, 0)

	r, err := l.Reserve(id)
	require.NoError(t, err)
	require.Equal(t, 4, l.Remaining(id))

	r.Release()
	require.Equal(t, 5, l.Remaining(id))
	require.Equal(t, 0, l.Used(id))
}

func TestBurstWindowPacesAttempts(t *testing.T) {
	t.Parallel()

	l := New(2, time.Hour)
	id := uuid.New()
	l.Track(id, 100, 0)

	for i := 0; i < 2; i++ {
		r, err := l.Reserve(id)
		require.NoError(t, err)
		r.Commit()
	}

	require.False(t, l.CanUse(id))
	_, err := l.Reserve(id)
	require.ErrorIs(t, err, model.ErrWorkerBusy)

	// pacing denies the attempt but the daily budget is untouched
	require.Equal(t, 98, l.Remaining(id))
}

func TestCanUse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(l *Limiter) uuid.UUID
		want  bool
	}{
		{
			name:  "untracked worker",
			setup: func(l *Limiter) uuid.UUID { return uuid.New() },
			want:  false,
		},
		{
			name: "fresh worker",
			setup: func(l *Limiter) uuid.UUID {
				id := uuid.New()
				l.Track(id, 10, 0)
				return id
			},
			want: true,
		},
		{
			name: "quota spent",
			setup: func(l *Limiter) uuid.UUID {
				id := uuid.New()
				l.Track(id, 3, 3)
				return id
			},
			want: false,
		},
		{
			name: "forgotten worker",
			setup: func(l *Limiter) uuid.UUID {
				id := uuid.New()
				l.Track(id, 10, 0)
				l.Forget(id)
				return id
			},
			want: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := newTestLimiter()
			id := tt.setup(l)
			require.Equal(t, tt.want, l.CanUse(id))
		})
	}
}

func TestResetDailyRestoresQuota(t *testing.T) {
	t.Parallel()

	l := newTestLimiter()
	id := uuid.New()
	l.Track(id, 3, 3)
	require.False(t, l.CanUse(id))

	l.ResetDaily()

	require.True(t, l.CanUse(id))
	require.Equal(t, 0, l.Used(id))
	require.Equal(t, 3, l.Remaining(id))
}

func TestSetLimitAdjustsCeiling(t *testing.T) {
	t.Parallel()

	l := newTestLimiter()
	id := uuid.New()
	l.Track(id, 1, 1)
	require.False(t, l.CanUse(id))

	l.SetLimit(id, 2)
	require.True(t, l.CanUse(id))
}

func TestUsedNeverExceedsLimitUnderContention(t *testing.T) {
	t.Parallel()

	const limit = 5
	l := New(1000, time.Second)
	id := uuid.New()
	l.Track(id, limit, 0)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve(id)
			if err != nil {
				return
			}
			granted <- struct{}{}
			r.Commit()
		}()
	}
	wg.Wait()
	close(granted)

	require.Len(t, granted, limit)
	require.Equal(t, limit, l.Used(id))
	require.Equal(t, 0, l.Remaining(id))
}

func TestReleaseUnderContentionNeverLosesUnits(t *testing.T) {
	t.Parallel()

	const limit = 5
	l := New(1000, time.Second)
	id := uuid.New()
	l.Track(id, limit, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve(id)
			if err != nil {
				return
			}
			r.Release()
		}()
	}
	wg.Wait()

	require.Equal(t, 0, l.Used(id))
	require.Equal(t, limit, l.Remaining(id))
}
