package object_pool

import (
	"sync"
	"time"

	"github.com/dropbox/godropbox/errors"
)

type idleObject struct {
	obj        interface{}
	returnedAt time.Time
}

// A waiter parked in Borrow.  The channel either delivers an object handed
// off by Return, or a nil retry token when a creation slot may have opened.
type waiter struct {
	ch chan interface{}
}

// Per-key pool state.  The borrowed map tracks every object currently held
// by a borrower; the value records whether the object is disposable.
type keyedPool struct {
	key string

	mutex    sync.Mutex
	idle     []*idleObject // FIFO, guarded by mutex
	waiters  []*waiter     // FIFO, guarded by mutex
	borrowed map[interface{}]bool

	managed   int // idle + borrowed non-disposable objects
	peak      int
	sequence  int64
	destroyed bool
}

// This pops the earliest waiter, or returns nil when none are parked.
func (kp *keyedPool) popWaiterLocked() *waiter {
	if len(kp.waiters) == 0 {
		return nil
	}
	w := kp.waiters[0]
	kp.waiters = kp.waiters[1:]
	return w
}

func (kp *keyedPool) removeWaiterLocked(target *waiter) {
	for i, w := range kp.waiters {
		if w == target {
			kp.waiters = append(kp.waiters[:i], kp.waiters[i+1:]...)
			return
		}
	}
}

// This wakes the earliest waiter with a retry token after a creation slot
// opened up (managed dropped below max).
func (kp *keyedPool) notifySlotLocked() {
	if w := kp.popWaiterLocked(); w != nil {
		w.ch <- nil
	}
}

// This collects overdue idle objects, respecting the Min floor.  The caller
// destroys the returned objects after releasing the mutex.
func (kp *keyedPool) evictExpiredLocked(options *Options) []interface{} {
	if options.KeepAliveTimeout <= 0 {
		return nil
	}
	now := options.getCurrentTime()
	var evicted []interface{}
	for len(kp.idle) > 0 && kp.managed > options.Min {
		oldest := kp.idle[0]
		if now.Sub(oldest.returnedAt) < options.KeepAliveTimeout {
			break
		}
		kp.idle = kp.idle[1:]
		kp.managed--
		evicted = append(evicted, oldest.obj)
	}
	return evicted
}

// The default ObjectPool implementation.  Key entries are created lazily on
// first borrow and live until Destroy/DestroyAll.
type BaseObjectPool struct {
	options Options
	factory PoolableObjectFactory

	rwMutex   sync.RWMutex
	entries   map[string]*keyedPool // guarded by rwMutex
	destroyed bool                  // guarded by rwMutex

	stopSweeper chan struct{}
}

// This returns a BaseObjectPool.  Min is clamped into [0, Max]; a
// non-positive Max is rejected.
func NewBaseObjectPool(
	factory PoolableObjectFactory,
	options Options) (*BaseObjectPool, error) {

	if factory == nil {
		return nil, errors.New("factory must not be nil")
	}
	if options.Max <= 0 {
		return nil, errors.Newf("invalid max pool size: %d", options.Max)
	}
	if options.Min < 0 {
		options.Min = 0
	}
	if options.Min > options.Max {
		options.Min = options.Max
	}

	pool := &BaseObjectPool{
		options:     options,
		factory:     factory,
		entries:     make(map[string]*keyedPool),
		stopSweeper: make(chan struct{}),
	}

	if options.KeepAliveTimeout > 0 {
		go pool.sweepLoop()
	}
	return pool, nil
}

// Background idle eviction.  Opportunistic eviction on borrow/return covers
// busy keys; the sweep catches keys which went quiet.
func (p *BaseObjectPool) sweepLoop() {
	ticker := time.NewTicker(p.options.KeepAliveTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweeper:
			return
		case <-ticker.C:
			p.evictAllExpired()
		}
	}
}

func (p *BaseObjectPool) evictAllExpired() {
	p.rwMutex.RLock()
	entries := make([]*keyedPool, 0, len(p.entries))
	for _, kp := range p.entries {
		entries = append(entries, kp)
	}
	p.rwMutex.RUnlock()

	for _, kp := range entries {
		kp.mutex.Lock()
		evicted := kp.evictExpiredLocked(&p.options)
		kp.mutex.Unlock()
		p.destroyObjects(kp.key, evicted)
	}
}

func (p *BaseObjectPool) destroyObject(key string, obj interface{}) {
	if err := p.factory.DestroyObject(key, obj); err != nil {
		if p.options.LogError != nil {
			p.options.LogError(errors.Wrapf(
				err,
				"failed to destroy a pooled object. key=%s",
				key))
		}
	}
}

func (p *BaseObjectPool) destroyObjects(key string, objs []interface{}) {
	for _, obj := range objs {
		p.destroyObject(key, obj)
	}
}

// This returns the key's entry, creating it when create is set.  Returns an
// error when the pool as a whole has been destroyed.
func (p *BaseObjectPool) entry(key string, create bool) (*keyedPool, error) {
	p.rwMutex.RLock()
	kp, inMap := p.entries[key]
	destroyed := p.destroyed
	p.rwMutex.RUnlock()

	if destroyed {
		return nil, errors.Newf(
			"destroyed object pool cannot serve key=%s", key)
	}
	if inMap || !create {
		return kp, nil
	}

	p.rwMutex.Lock()
	defer p.rwMutex.Unlock()
	if p.destroyed {
		return nil, errors.Newf(
			"destroyed object pool cannot serve key=%s", key)
	}
	if kp, inMap = p.entries[key]; inMap {
		return kp, nil
	}
	kp = &keyedPool{
		key:      key,
		borrowed: make(map[interface{}]bool),
	}
	p.entries[key] = kp
	return kp, nil
}

// See ObjectPool for documentation.
func (p *BaseObjectPool) Borrow(
	key string,
	timeout time.Duration) (interface{}, error) {

	var deadline time.Time
	hasDeadline := timeout >= 0
	if hasDeadline {
		deadline = p.options.getCurrentTime().Add(timeout)
	}

	for {
		kp, err := p.entry(key, true)
		if err != nil {
			return nil, err
		}

		obj, err := p.acquire(kp, hasDeadline, deadline)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			// Retry token or destroyed entry; re-fetch and try again.
			if hasDeadline &&
				!p.options.getCurrentTime().Before(deadline) {
				if p.options.Disposable {
					return p.createDisposable(kp)
				}
				return nil, NewPoolExhaustedError(key)
			}
			continue
		}

		if !p.options.BorrowValidation ||
			p.factory.ValidateObject(key, obj) {
			return obj, nil
		}

		// The candidate is unusable.  Drop it and try another until the
		// deadline is reached.
		p.dropBorrowed(kp, obj)
		p.destroyObject(key, obj)
		if hasDeadline && !p.options.getCurrentTime().Before(deadline) {
			return nil, NewNoValidObjectError(key)
		}
	}
}

// This produces a single borrow candidate: an idle object, a freshly created
// one, or an object handed off by a returner.  A nil result without error
// means the caller should retry (or give up if past its deadline).
func (p *BaseObjectPool) acquire(
	kp *keyedPool,
	hasDeadline bool,
	deadline time.Time) (interface{}, error) {

	kp.mutex.Lock()
	if kp.destroyed {
		kp.mutex.Unlock()
		return nil, nil
	}

	evicted := kp.evictExpiredLocked(&p.options)

	if len(kp.idle) > 0 {
		oldest := kp.idle[0]
		kp.idle = kp.idle[1:]
		kp.borrowed[oldest.obj] = false
		kp.mutex.Unlock()
		p.destroyObjects(kp.key, evicted)
		return oldest.obj, nil
	}

	if kp.managed < p.options.Max {
		kp.managed++
		if kp.managed > kp.peak {
			kp.peak = kp.managed
		}
		kp.sequence++
		kp.mutex.Unlock()
		p.destroyObjects(kp.key, evicted)

		obj, err := p.factory.CreateObject(kp.key)
		if err != nil {
			kp.mutex.Lock()
			kp.managed--
			kp.notifySlotLocked()
			kp.mutex.Unlock()
			return nil, errors.Wrapf(
				err,
				"failed to create a pooled object. key=%s",
				kp.key)
		}
		kp.mutex.Lock()
		kp.borrowed[obj] = false
		kp.mutex.Unlock()
		return obj, nil
	}

	// Exhausted: park in arrival order.
	w := &waiter{ch: make(chan interface{}, 1)}
	kp.waiters = append(kp.waiters, w)
	kp.mutex.Unlock()
	p.destroyObjects(kp.key, evicted)

	var timeoutChan <-chan time.Time
	var timer *time.Timer
	if hasDeadline {
		wait := deadline.Sub(p.options.getCurrentTime())
		if wait < 0 {
			wait = 0
		}
		timer = time.NewTimer(wait)
		timeoutChan = timer.C
	}

	select {
	case obj := <-w.ch:
		if timer != nil {
			timer.Stop()
		}
		return obj, nil
	case <-timeoutChan:
		// A hand-off may have raced the timer; the pool mutex decides.
		kp.mutex.Lock()
		select {
		case obj := <-w.ch:
			kp.mutex.Unlock()
			if obj != nil {
				return obj, nil
			}
		default:
			kp.removeWaiterLocked(w)
			kp.mutex.Unlock()
		}

		if p.options.Disposable {
			return p.createDisposable(kp)
		}
		return nil, NewPoolExhaustedError(kp.key)
	}
}

// On exhaustion a disposable pool fabricates an untracked single-use object
// instead of failing.  The object is destroyed when it comes back.
func (p *BaseObjectPool) createDisposable(
	kp *keyedPool) (interface{}, error) {

	obj, err := p.factory.CreateObject(kp.key)
	if err != nil {
		return nil, errors.Wrapf(
			err,
			"failed to create a disposable object. key=%s",
			kp.key)
	}
	kp.mutex.Lock()
	kp.borrowed[obj] = true
	kp.mutex.Unlock()
	return obj, nil
}

// This removes a borrowed object from the entry's accounting without
// destroying it.
func (p *BaseObjectPool) dropBorrowed(kp *keyedPool, obj interface{}) {
	kp.mutex.Lock()
	disposable, wasBorrowed := kp.borrowed[obj]
	if wasBorrowed {
		delete(kp.borrowed, obj)
		if !disposable && !kp.destroyed {
			kp.managed--
			kp.notifySlotLocked()
		}
	}
	kp.mutex.Unlock()
}

// See ObjectPool for documentation.
func (p *BaseObjectPool) Return(key string, obj interface{}) error {
	if obj == nil {
		return errors.New("cannot return a nil object")
	}

	kp, _ := p.entry(key, false)
	if kp == nil {
		// The entry has been destroyed (or never existed); the object no
		// longer belongs to the pool.
		p.destroyObject(key, obj)
		return nil
	}

	kp.mutex.Lock()
	disposable, wasBorrowed := kp.borrowed[obj]
	entryDestroyed := kp.destroyed
	kp.mutex.Unlock()

	if !wasBorrowed || entryDestroyed || disposable {
		p.dropBorrowed(kp, obj)
		p.destroyObject(key, obj)
		return nil
	}

	if p.options.ReturnValidation &&
		!p.factory.ValidateObject(key, obj) {
		p.dropBorrowed(kp, obj)
		p.destroyObject(key, obj)
		return nil
	}

	kp.mutex.Lock()
	if kp.destroyed {
		delete(kp.borrowed, obj)
		kp.mutex.Unlock()
		p.destroyObject(key, obj)
		return nil
	}
	if w := kp.popWaiterLocked(); w != nil {
		// Direct hand-off: the object stays in borrowed state and never
		// touches the idle queue while someone is waiting.
		w.ch <- obj
		kp.mutex.Unlock()
		return nil
	}
	delete(kp.borrowed, obj)
	kp.idle = append(kp.idle, &idleObject{
		obj:        obj,
		returnedAt: p.options.getCurrentTime(),
	})
	evicted := kp.evictExpiredLocked(&p.options)
	kp.mutex.Unlock()
	p.destroyObjects(key, evicted)
	return nil
}

// See ObjectPool for documentation.
func (p *BaseObjectPool) Remove(key string, obj interface{}) error {
	if obj == nil {
		return errors.New("cannot remove a nil object")
	}
	kp, _ := p.entry(key, false)
	if kp != nil {
		p.dropBorrowed(kp, obj)
	}
	p.destroyObject(key, obj)
	return nil
}

// See ObjectPool for documentation.
func (p *BaseObjectPool) CreateAllMinObjects(key string) error {
	kp, err := p.entry(key, true)
	if err != nil {
		return err
	}

	for {
		kp.mutex.Lock()
		if kp.destroyed {
			kp.mutex.Unlock()
			return errors.Newf("pool entry was destroyed. key=%s", key)
		}
		if kp.managed >= p.options.Min {
			kp.mutex.Unlock()
			return nil
		}
		kp.managed++
		if kp.managed > kp.peak {
			kp.peak = kp.managed
		}
		kp.sequence++
		kp.mutex.Unlock()

		obj, err := p.factory.CreateObject(key)
		if err != nil {
			kp.mutex.Lock()
			kp.managed--
			kp.mutex.Unlock()
			return errors.Wrapf(
				err,
				"failed to create a min pooled object. key=%s",
				key)
		}

		kp.mutex.Lock()
		if kp.destroyed {
			kp.mutex.Unlock()
			p.destroyObject(key, obj)
			return errors.Newf("pool entry was destroyed. key=%s", key)
		}
		if w := kp.popWaiterLocked(); w != nil {
			kp.borrowed[obj] = false
			w.ch <- obj
			kp.mutex.Unlock()
			continue
		}
		kp.idle = append(kp.idle, &idleObject{
			obj:        obj,
			returnedAt: p.options.getCurrentTime(),
		})
		kp.mutex.Unlock()
	}
}

// See ObjectPool for documentation.
func (p *BaseObjectPool) Destroy(key string) error {
	p.rwMutex.Lock()
	kp := p.entries[key]
	delete(p.entries, key)
	p.rwMutex.Unlock()

	if kp == nil {
		return nil
	}
	p.destroyEntry(kp)
	return nil
}

func (p *BaseObjectPool) destroyEntry(kp *keyedPool) {
	kp.mutex.Lock()
	kp.destroyed = true
	idle := kp.idle
	kp.idle = nil
	waiters := kp.waiters
	kp.waiters = nil
	// Borrowed objects are destroyed when they come back; forget them now
	// so the late returns take the unknown-object path.
	kp.borrowed = make(map[interface{}]bool)
	kp.managed = 0
	kp.peak = 0
	kp.mutex.Unlock()

	for _, w := range waiters {
		w.ch <- nil
	}
	for _, idleObj := range idle {
		p.destroyObject(kp.key, idleObj.obj)
	}
}

// See ObjectPool for documentation.
func (p *BaseObjectPool) DestroyAll() {
	p.rwMutex.Lock()
	if p.destroyed {
		p.rwMutex.Unlock()
		return
	}
	p.destroyed = true
	entries := p.entries
	p.entries = make(map[string]*keyedPool)
	p.rwMutex.Unlock()

	close(p.stopSweeper)
	for _, kp := range entries {
		p.destroyEntry(kp)
	}
}

// See ObjectPool for documentation.
func (p *BaseObjectPool) PoolSize(key string) int {
	return p.observe(key, func(kp *keyedPool) int {
		return kp.managed
	})
}

// See ObjectPool for documentation.
func (p *BaseObjectPool) ActiveCount(key string) int {
	return p.observe(key, func(kp *keyedPool) int {
		return kp.managed - len(kp.idle)
	})
}

// See ObjectPool for documentation.
func (p *BaseObjectPool) IdleCount(key string) int {
	return p.observe(key, func(kp *keyedPool) int {
		return len(kp.idle)
	})
}

// See ObjectPool for documentation.
func (p *BaseObjectPool) PeakCount(key string) int {
	return p.observe(key, func(kp *keyedPool) int {
		return kp.peak
	})
}

func (p *BaseObjectPool) observe(key string, view func(*keyedPool) int) int {
	kp, _ := p.entry(key, false)
	if kp == nil {
		return -1
	}
	kp.mutex.Lock()
	defer kp.mutex.Unlock()
	if kp.destroyed {
		return -1
	}
	return view(kp)
}
