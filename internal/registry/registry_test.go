package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paynet/iso-fep/internal/iso8583"
)

func TestRegisterCompleteMatchesTrace(t *testing.T) {
	r := New(0)

	future, err := r.Register("000001", time.Now().Add(time.Second), "send")
	require.NoError(t, err)

	msg := iso8583.NewMessage(iso8583.MTIAuthorizationResponse)
	matched := r.Complete("000001", msg)
	assert.True(t, matched)

	got, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, msg, got)

	stats := r.Statistics()
	assert.EqualValues(t, 1, stats.Registered)
	assert.EqualValues(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.CurrentPending)
}

func TestRegisterDuplicateKeyFails(t *testing.T) {
	r := New(0)

	_, err := r.Register("000002", time.Now().Add(time.Second), "send")
	require.NoError(t, err)

	_, err = r.Register("000002", time.Now().Add(time.Second), "send")
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestCompleteUnmatchedReturnsFalse(t *testing.T) {
	r := New(0)
	msg := iso8583.NewMessage(iso8583.MTINetworkManagementResponse)
	assert.False(t, r.Complete("999999", msg))
}

func TestRegisterTimeout(t *testing.T) {
	r := New(0)

	future, err := r.Register("000003", time.Now().Add(20*time.Millisecond), "send")
	require.NoError(t, err)

	_, err = future.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	stats := r.Statistics()
	assert.EqualValues(t, 1, stats.TimedOut)
	assert.Equal(t, 0, stats.CurrentPending)
}

func TestLateResponseAfterTimeoutIsUnsolicited(t *testing.T) {
	r := New(0)

	future, err := r.Register("000004", time.Now().Add(10*time.Millisecond), "send")
	require.NoError(t, err)

	_, err = future.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	msg := iso8583.NewMessage(iso8583.MTIAuthorizationResponse)
	matched := r.Complete("000004", msg)
	assert.False(t, matched, "a response for an already-timed-out key must not revive it")
}

func TestCancelIsIdempotent(t *testing.T) {
	r := New(0)

	future, err := r.Register("000005", time.Now().Add(time.Second), "send")
	require.NoError(t, err)

	cause := errors.New("caller gave up")
	r.Cancel("000005", cause)
	r.Cancel("000005", cause) // second call is a no-op

	_, err = future.Wait(context.Background())
	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, cause, cancelled.Cause)
}

func TestCancelAllResolvesEveryPendingEntry(t *testing.T) {
	r := New(0)

	futures := make([]*Future, 0, 5)
	for i := 0; i < 5; i++ {
		f, err := r.Register(string(rune('a'+i)), time.Now().Add(time.Second), "send")
		require.NoError(t, err)
		futures = append(futures, f)
	}

	r.CancelAll(ErrShutdown)

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		var cancelled *CancelledError
		require.ErrorAs(t, err, &cancelled)
		assert.ErrorIs(t, cancelled.Cause, ErrShutdown)
	}

	assert.Equal(t, 0, r.Statistics().CurrentPending)
}

func TestRegisterOverloadedAtSoftCap(t *testing.T) {
	r := New(2)

	_, err := r.Register("1", time.Now().Add(time.Second), "send")
	require.NoError(t, err)
	_, err = r.Register("2", time.Now().Add(time.Second), "send")
	require.NoError(t, err)

	_, err = r.Register("3", time.Now().Add(time.Second), "send")
	assert.ErrorIs(t, err, ErrOverloaded)
}

func TestConcurrentRegisterCompleteEachResolvesExactlyOnce(t *testing.T) {
	r := New(0)
	const n = 200

	var wg sync.WaitGroup
	results := make([]error, n)

	for i := 0; i < n; i++ {
		key := string(rune(i))
		future, err := r.Register(key, time.Now().Add(2*time.Second), "send")
		require.NoError(t, err)

		wg.Add(2)
		go func(k string) {
			defer wg.Done()
			r.Complete(k, iso8583.NewMessage(iso8583.MTIFinancialResponse))
		}(key)
		go func(i int, f *Future) {
			defer wg.Done()
			_, err := f.Wait(context.Background())
			results[i] = err
		}(i, future)
	}

	wg.Wait()
	for _, err := range results {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, r.Statistics().CurrentPending)
}

func TestFutureWaitRespectsContextCancellation(t *testing.T) {
	r := New(0)

	future, err := r.Register("ctxcancel", time.Now().Add(5*time.Second), "send")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = future.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, r.Has("ctxcancel"), "cancelled entry should be removed from the registry")
}
