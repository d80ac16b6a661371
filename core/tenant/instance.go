package tenant

import (
	"sync"
	"sync/atomic"
)

// Instance is the runtime context of one store's bot. Handlers read the
// current settings through Settings and bracket their work with Begin/End so
// a stop can wait for them.
type Instance struct {
	StoreID string
	Mode    Mode

	token    string
	settings atomic.Pointer[Settings]

	mu       sync.RWMutex
	draining bool
	inflight sync.WaitGroup

	fatalOnce sync.Once
	onFatal   func(error)
}

func newInstance(t Tenant, s *Settings, onFatal func(*Instance, error)) *Instance {
	inst := &Instance{StoreID: t.StoreID, Mode: t.Mode, token: t.Token}
	inst.settings.Store(s)
	inst.onFatal = func(err error) { onFatal(inst, err) }
	return inst
}

// NewInstance returns an instance that no Manager supervises. Fatal is a
// no-op on it.
func NewInstance(t Tenant) *Instance {
	s := t.Settings
	if s == nil {
		s = Default()
	}
	inst := &Instance{StoreID: t.StoreID, Mode: t.Mode, token: t.Token}
	inst.settings.Store(s)
	return inst
}

// Token returns the bot credential.
func (i *Instance) Token() string { return i.token }

// Settings returns the settings currently in effect. The value must not be
// modified.
func (i *Instance) Settings() *Settings { return i.settings.Load() }

// Begin registers an in-flight handler. It returns false once the instance
// is draining; the update must then be dropped.
func (i *Instance) Begin() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.draining {
		return false
	}
	i.inflight.Add(1)
	return true
}

// End marks a handler registered with Begin as finished.
func (i *Instance) End() { i.inflight.Done() }

// Fatal reports an error that makes the instance unusable, such as the bot
// token being revoked at runtime. The instance is stopped once; other stores
// are not affected.
func (i *Instance) Fatal(err error) {
	i.fatalOnce.Do(func() {
		if i.onFatal != nil {
			i.onFatal(err)
		}
	})
}

func (i *Instance) drain() <-chan struct{} {
	i.mu.Lock()
	i.draining = true
	i.mu.Unlock()
	done := make(chan struct{})
	go func() {
		i.inflight.Wait()
		close(done)
	}()
	return done
}
