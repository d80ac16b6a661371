package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/shopfleet/core/observability"
)

type fakeRemote struct {
	mu      sync.Mutex
	data    map[Key][]byte
	removed []Key
	failOps bool
	pingErr error
	pings   int
	block   chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: make(map[Key][]byte)}
}

var errDown = errors.New("connection refused")

func (f *fakeRemote) Load(_ context.Context, key Key) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return nil, errDown
	}
	return f.data[key], nil
}

func (f *fakeRemote) Save(_ context.Context, key Key, data []byte, _ time.Duration) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return errDown
	}
	f.data[key] = data
	return nil
}

func (f *fakeRemote) Remove(_ context.Context, key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return errDown
	}
	delete(f.data, key)
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeRemote) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeRemote) has(key Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func (f *fakeRemote) wasRemoved(key Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.removed {
		if k == key {
			return true
		}
	}
	return false
}

func fastOptions() Options {
	return Options{
		TTL:               time.Hour,
		QueueSize:         16,
		OpTimeout:         time.Second,
		ReconnectAttempts: 2,
		ReconnectBase:     5 * time.Millisecond,
		ReconnectMax:      10 * time.Millisecond,
		WarnEvery:         time.Hour,
	}
}

func closeStore(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

func TestGetMaterializesDefault(t *testing.T) {
	s := NewStore(nil, fastOptions())
	defer closeStore(t, s)

	key := Key{StoreID: "s1", UserID: 7}
	sess := s.Get(context.Background(), key)
	require.NotNil(t, sess)
	assert.Equal(t, key, sess.Key)
	assert.Equal(t, StepSelecting, sess.Step)
	assert.Equal(t, SubflowNone, sess.SubflowKind())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, HealthDisabled, s.Health())
}

func TestGetReturnsCopies(t *testing.T) {
	s := NewStore(nil, fastOptions())
	defer closeStore(t, s)
	ctx := context.Background()
	key := Key{StoreID: "s1", UserID: 7}

	sess := s.Get(ctx, key)
	sess.AddToCart(CartItem{ProductID: "p1", Name: "Tea", Quantity: 1, UnitPrice: 300})
	sess.Enter(NewStoreCreation())
	s.Set(ctx, sess)

	got := s.Get(ctx, key)
	got.Cart[0].Quantity = 99
	got.Subflow.(*StoreCreation).Name = "mutated"

	again := s.Get(ctx, key)
	assert.Equal(t, 1, again.Cart[0].Quantity)
	assert.Equal(t, "", again.Subflow.(*StoreCreation).Name)
}

func TestSessionsAreScopedPerStore(t *testing.T) {
	s := NewStore(nil, fastOptions())
	defer closeStore(t, s)
	ctx := context.Background()

	a := s.Get(ctx, Key{StoreID: "a", UserID: 1})
	a.Step = StepContact
	s.Set(ctx, a)

	b := s.Get(ctx, Key{StoreID: "b", UserID: 1})
	assert.Equal(t, StepSelecting, b.Step)
}

func TestRoundTripWithRemoteUnavailable(t *testing.T) {
	remote := newFakeRemote()
	remote.failOps = true
	remote.pingErr = errDown
	s := NewStore(remote, fastOptions())
	defer closeStore(t, s)
	ctx := context.Background()
	key := Key{StoreID: "s1", UserID: 42}

	in := New(key, time.Unix(1700000000, 0).UTC())
	in.Step = StepContact
	in.Contact = Contact{Name: "Ann"}
	in.ContactStage = ContactPhone
	in.Enter(NewPaymentProofCapture("ord-1"))

	// The first read misses locally and hits the failing remote.
	s.Get(ctx, Key{StoreID: "s1", UserID: 1})
	s.Set(ctx, in)

	got := s.Get(ctx, key)
	assert.Equal(t, in, got)
	assert.Eventually(t, func() bool { return s.Health() == HealthGaveUp }, time.Second, 5*time.Millisecond)

	// Fallback keeps serving after giving up.
	in.Step = StepConfirmation
	s.Set(ctx, in)
	assert.Equal(t, StepConfirmation, s.Get(ctx, key).Step)
}

func TestRemoteRecoversAfterPing(t *testing.T) {
	remote := newFakeRemote()
	remote.failOps = true
	opts := fastOptions()
	opts.ReconnectBase = 50 * time.Millisecond
	opts.ReconnectMax = 100 * time.Millisecond
	s := NewStore(remote, opts)
	defer closeStore(t, s)
	ctx := context.Background()

	s.Get(ctx, Key{StoreID: "s1", UserID: 1})
	assert.Equal(t, HealthDegraded, s.Health())

	remote.mu.Lock()
	remote.failOps = false
	remote.mu.Unlock()
	require.Eventually(t, func() bool { return s.Health() == HealthHealthy }, time.Second, 5*time.Millisecond)

	key := Key{StoreID: "s1", UserID: 2}
	s.Set(ctx, New(key, time.Now()))
	assert.Eventually(t, func() bool { return remote.has(key) }, time.Second, 5*time.Millisecond)
}

func TestGetReadsThroughRemote(t *testing.T) {
	remote := newFakeRemote()
	key := Key{StoreID: "s1", UserID: 5}
	stored := New(key, time.Unix(1700000000, 0).UTC())
	stored.Mode = ModeDirect
	stored.Enter(NewRejectionCapture("ord-9"))
	data, err := json.Marshal(stored)
	require.NoError(t, err)
	remote.data[key] = data

	s := NewStore(remote, fastOptions())
	defer closeStore(t, s)

	got := s.Get(context.Background(), key)
	assert.Equal(t, ModeDirect, got.Mode)
	require.Equal(t, SubflowRejection, got.SubflowKind())
	assert.Equal(t, "ord-9", got.Subflow.(*RejectionCapture).OrderID)
	assert.Equal(t, HealthHealthy, s.Health())
}

func TestSetAndDeleteMirrorToRemote(t *testing.T) {
	remote := newFakeRemote()
	s := NewStore(remote, fastOptions())
	defer closeStore(t, s)
	ctx := context.Background()
	key := Key{StoreID: "s1", UserID: 3}

	s.Set(ctx, New(key, time.Now()))
	require.Eventually(t, func() bool { return remote.has(key) }, time.Second, 5*time.Millisecond)

	s.Delete(ctx, key)
	assert.Eventually(t, func() bool { return remote.wasRemoved(key) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Len())
}

func TestSweepEvictsIdleAndRemovesRemote(t *testing.T) {
	remote := newFakeRemote()
	opts := fastOptions()
	opts.TTL = 20 * time.Millisecond
	s := NewStore(remote, opts)
	defer closeStore(t, s)
	ctx := context.Background()

	idle := Key{StoreID: "s1", UserID: 1}
	s.Set(ctx, New(idle, time.Now()))
	time.Sleep(40 * time.Millisecond)

	fresh := Key{StoreID: "s1", UserID: 2}
	s.Set(ctx, New(fresh, time.Now()))

	s.Sweep()
	assert.Equal(t, 1, s.Len())
	assert.Eventually(t, func() bool { return remote.wasRemoved(idle) }, time.Second, 5*time.Millisecond)
	assert.False(t, remote.wasRemoved(fresh))
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	remote := newFakeRemote()
	remote.block = make(chan struct{})
	opts := fastOptions()
	opts.QueueSize = 1
	s := NewStore(remote, opts)
	ctx := context.Background()

	before := testutil.ToFloat64(observability.SessionQueueDropped)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Set(ctx, New(Key{StoreID: "s1", UserID: int64(i)}, time.Now()))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked on a stalled remote")
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(observability.SessionQueueDropped)-before, float64(8))
	assert.Equal(t, 10, s.Len())

	close(remote.block)
	closeStore(t, s)
}

func TestSessionJSONKeepsSubflow(t *testing.T) {
	sess := New(Key{StoreID: "s1", UserID: 1}, time.Unix(1700000000, 0).UTC())
	sess.Enter(&BotProvisioning{Step: ProvisionMode, StoreID: "s1", Token: "123:abc"})

	data, err := json.Marshal(sess)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"bot_provisioning"`)

	var out Session
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, sess, &out)

	require.Error(t, json.Unmarshal([]byte(`{"subflow":{"kind":"mystery","data":{}}}`), &out))
}

func TestEnterReplacesActiveSubflow(t *testing.T) {
	sess := New(Key{StoreID: "s1", UserID: 1}, time.Now())
	sess.Step = StepContact
	sess.Enter(NewStoreCreation())
	sess.Enter(NewRejectionCapture("o1"))

	assert.Equal(t, SubflowRejection, sess.SubflowKind())
	sess.ClearSubflow()
	assert.Equal(t, SubflowNone, sess.SubflowKind())
	assert.Equal(t, StepContact, sess.Step)
}

func TestDirectPurchaseSetsCartAside(t *testing.T) {
	s := New(Key{StoreID: "s1", UserID: 1}, time.Now())
	s.AddToCart(CartItem{ProductID: "p1", Quantity: 2})

	s.BeginDirect(CartItem{ProductID: "p9", Quantity: 1})
	s.BeginDirect(CartItem{ProductID: "p8", Quantity: 1})
	assert.Equal(t, ModeDirect, s.Mode)
	assert.Equal(t, []CartItem{{ProductID: "p8", Quantity: 1}}, s.Cart)

	cp := s.Clone()
	cp.SavedCart[0].Quantity = 99
	assert.Equal(t, 2, s.SavedCart[0].Quantity)

	s.ResetOrdering()
	assert.Equal(t, ModeCart, s.Mode)
	assert.Equal(t, []CartItem{{ProductID: "p1", Quantity: 2}}, s.Cart)
	assert.Nil(t, s.SavedCart)

	s.ResetOrdering()
	assert.Empty(t, s.Cart, "a cart checkout empties the cart")
}
