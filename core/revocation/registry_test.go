package revocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu      sync.Mutex
	entries map[string]Entry
	saves   int
}

func newMemPersister() *memPersister {
	return &memPersister{entries: make(map[string]Entry)}
}

func (m *memPersister) SaveRevocation(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.entries[e.TokenHash] = e
	return nil
}

func (m *memPersister) LoadRevocations(_ context.Context, now time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memPersister) PurgeRevocations(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if !e.ExpiresAt.After(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func expiries(m map[string]time.Time) ExpiryFunc {
	return func(token string) (time.Time, error) {
		exp, ok := m[token]
		if !ok {
			return time.Time{}, errors.New("malformed token")
		}
		return exp, nil
	}
}

func TestRevokeUntilNaturalExpiry(t *testing.T) {
	exp := time.Now().Add(60 * time.Millisecond)
	reg := NewRegistry(expiries(map[string]time.Time{"tok": exp}), nil)
	ctx := context.Background()

	assert.False(t, reg.IsRevoked("tok"))
	entry, err := reg.Revoke(ctx, "tok", "user-1", "logout")
	require.NoError(t, err)
	assert.Equal(t, HashToken("tok"), entry.TokenHash)
	assert.Equal(t, exp, entry.ExpiresAt)
	assert.True(t, reg.IsRevoked("tok"))
	assert.False(t, reg.IsRevoked("other"))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, reg.IsRevoked("tok"), "entry never outlives the token")
	require.NoError(t, reg.Purge(ctx))
	assert.Equal(t, 0, reg.Len())
}

func TestRevokeIsIdempotent(t *testing.T) {
	store := newMemPersister()
	reg := NewRegistry(expiries(map[string]time.Time{"tok": time.Now().Add(time.Hour)}), store)
	ctx := context.Background()

	first, err := reg.Revoke(ctx, "tok", "user-1", "logout")
	require.NoError(t, err)
	second, err := reg.Revoke(ctx, "tok", "user-2", "privilege change")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, 1, reg.Len())
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	store := newMemPersister()
	reg := NewRegistry(expiries(map[string]time.Time{"old": time.Now().Add(-time.Minute)}), store)

	entry, err := reg.Revoke(context.Background(), "old", "user-1", "logout")
	require.NoError(t, err)
	assert.Equal(t, Entry{}, entry)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, store.saves)
}

func TestRevokeRejectsUnreadableToken(t *testing.T) {
	reg := NewRegistry(expiries(nil), nil)
	_, err := reg.Revoke(context.Background(), "garbage", "user-1", "logout")
	require.Error(t, err)
}

func TestLoadWarmsFromStore(t *testing.T) {
	store := newMemPersister()
	exp := time.Now().Add(time.Hour)
	store.entries[HashToken("a")] = Entry{TokenHash: HashToken("a"), ExpiresAt: exp}
	store.entries[HashToken("b")] = Entry{TokenHash: HashToken("b"), ExpiresAt: time.Now().Add(-time.Hour)}

	reg := NewRegistry(expiries(nil), store)
	n, err := reg.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, reg.IsRevoked("a"))
	assert.False(t, reg.IsRevoked("b"))
}

func TestPurgeRemovesDurableEntries(t *testing.T) {
	store := newMemPersister()
	store.entries["stale"] = Entry{TokenHash: "stale", ExpiresAt: time.Now().Add(-time.Second)}
	reg := NewRegistry(expiries(nil), store)

	require.NoError(t, reg.Purge(context.Background()))
	assert.Empty(t, store.entries)
}

func TestRevokeUsesRegistryClock(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	at := time.Now().Add(-time.Minute).Truncate(time.Second)
	reg := NewRegistry(expiries(map[string]time.Time{"tok": exp}), nil, WithClock(func() time.Time { return at }))

	entry, err := reg.Revoke(context.Background(), "tok", "tg:1", "logout")
	require.NoError(t, err)
	assert.Equal(t, at, entry.RevokedAt)

	late := NewRegistry(expiries(map[string]time.Time{"tok": exp}), nil,
		WithClock(func() time.Time { return exp.Add(time.Second) }))
	entry, err = late.Revoke(context.Background(), "tok", "tg:1", "logout")
	require.NoError(t, err)
	assert.Zero(t, entry)
	assert.False(t, late.IsRevoked("tok"))
}

func TestSyncPicksUpRevocationsFromOtherProcesses(t *testing.T) {
	store := newMemPersister()
	exp := time.Now().Add(time.Hour)
	reg := NewRegistry(expiries(nil), store)
	_, err := reg.Load(context.Background())
	require.NoError(t, err)

	// written by another process after startup
	other := NewRegistry(expiries(map[string]time.Time{"tok": exp}), store)
	_, err = other.Revoke(context.Background(), "tok", "cli", "revoked by operator")
	require.NoError(t, err)
	assert.False(t, reg.IsRevoked("tok"))

	n, err := reg.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, reg.IsRevoked("tok"))

	n, err = reg.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "entries already held are not counted again")
}

func TestRunSyncsOnInterval(t *testing.T) {
	store := newMemPersister()
	reg := NewRegistry(expiries(nil), store, WithSyncInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	other := NewRegistry(expiries(map[string]time.Time{"tok": time.Now().Add(time.Hour)}), store)
	_, err := other.Revoke(context.Background(), "tok", "cli", "")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return reg.IsRevoked("tok") }, time.Second, 10*time.Millisecond)
}
