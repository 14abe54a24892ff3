package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	qrErr         error
	qrBlockedTill *time.Time
	qrAttempts    int

	lastExecSQL string
	execErr     error
}

func (f *fakePool) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.lastExecSQL = sql
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakePool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT blocked_until"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			if f.qrBlockedTill != nil {
				*(dest[0].(*time.Time)) = *f.qrBlockedTill
			} else {
				*(dest[0].(*time.Time)) = time.Time{}
			}
			return nil
		}}
	case strings.Contains(sql, "RETURNING attempts"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(*int)) = f.qrAttempts
			return nil
		}}
	default:
		return fakeRow{scan: func(...any) error { return errors.New("unexpected query") }}
	}
}

func TestAllow_NoRow_Allows(t *testing.T) {
	l := NewPG(&fakePool{qrErr: pgx.ErrNoRows}, 15*time.Minute, 5, 15*time.Minute)

	ok, dur, err := l.Allow(context.Background(), []byte("h"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, dur)
}

func TestAllow_BlockedUntilFuture(t *testing.T) {
	fut := time.Now().Add(10 * time.Minute)
	l := NewPG(&fakePool{qrBlockedTill: &fut}, 15*time.Minute, 5, 15*time.Minute)

	ok, dur, err := l.Allow(context.Background(), []byte("h"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Positive(t, dur)
}

func TestAllow_PastOrEpoch_Allows(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	l := NewPG(&fakePool{qrBlockedTill: &past}, 15*time.Minute, 5, 15*time.Minute)

	ok, _, err := l.Allow(context.Background(), []byte("h"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllow_DBError_Propagates(t *testing.T) {
	l := NewPG(&fakePool{qrErr: errors.New("db boom")}, 15*time.Minute, 5, 15*time.Minute)

	ok, _, err := l.Allow(context.Background(), []byte("h"))
	require.Error(t, err)
	require.False(t, ok)
}

func TestAttempt_Increments_NoBlock(t *testing.T) {
	fp := &fakePool{qrAttempts: 5}
	l := NewPG(fp, 5*time.Minute, 5, 15*time.Minute)

	blocked, dur, err := l.Attempt(context.Background(), []byte("h"))
	require.NoError(t, err)
	require.False(t, blocked)
	require.Zero(t, dur)
	require.Empty(t, fp.lastExecSQL)
}

func TestAttempt_BlocksOverThreshold(t *testing.T) {
	fp := &fakePool{qrAttempts: 6}
	l := NewPG(fp, 5*time.Minute, 5, 10*time.Minute)

	blocked, dur, err := l.Attempt(context.Background(), []byte("h"))
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, 10*time.Minute, dur)
	require.Contains(t, fp.lastExecSQL, "UPDATE signup_limiter SET blocked_until")
}

func TestAttempt_ExecErrorOnBlock(t *testing.T) {
	fp := &fakePool{qrAttempts: 6, execErr: errors.New("exec fail")}
	l := NewPG(fp, 5*time.Minute, 5, 10*time.Minute)

	_, _, err := l.Attempt(context.Background(), []byte("h"))
	require.Error(t, err)
}

func TestAttempt_DBErrorOnReturning(t *testing.T) {
	l := NewPG(&fakePool{qrErr: errors.New("query error")}, 5*time.Minute, 5, 10*time.Minute)

	_, _, err := l.Attempt(context.Background(), []byte("h"))
	require.Error(t, err)
}

func TestHashAddr_IgnoresPort(t *testing.T) {
	a := HashAddr("1.2.3.4:123")
	b := HashAddr("1.2.3.4:999")
	c := HashAddr("5.6.7.8:321")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 32)
}
