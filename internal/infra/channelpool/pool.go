// Package channelpool keeps a bounded set of reusable remote channels per
// credential key. Channels are validated with a no-op command before they are
// lent and are destroyed and replaced when validation fails.
package channelpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-armada/internal/domain/remote"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

// ErrPoolClosed is returned by Borrow after Close.
var ErrPoolClosed = errors.New("channel pool closed")

const validationCommand = "echo ok"

// Config bounds each per-key pool.
type Config struct {
	MaxTotal          int
	MinIdle           int
	MaxIdle           int
	ValidationTimeout time.Duration
	IdleTimeout       time.Duration
	EvictionInterval  time.Duration
}

// DefaultConfig returns the production pool bounds.
func DefaultConfig() Config {
	return Config{
		MaxTotal:          5,
		MinIdle:           1,
		MaxIdle:           3,
		ValidationTimeout: remote.DefaultValidationTimeout,
		IdleTimeout:       10 * time.Minute,
		EvictionInterval:  time.Minute,
	}
}

// DialFunc opens a new channel for a target.
type DialFunc func(ctx context.Context, target remote.Target) (remote.Channel, error)

type entry struct {
	channel       remote.Channel
	lastValidated time.Time
	idleSince     time.Time
	// stale marks a channel lent before its pool was evicted. It is closed
	// on return instead of going idle.
	stale bool
}

// keyedPool holds the channels for one pool key. live counts idle plus lent
// channels and never exceeds MaxTotal, including stale channels carried over
// from an evicted predecessor.
type keyedPool struct {
	key    remote.PoolKey
	mu     sync.Mutex
	idle   []*entry
	lent   map[remote.Channel]*entry
	live   int
	closed bool
	// notify is closed and replaced whenever a slot or idle channel frees up.
	notify chan struct{}
}

func newKeyedPool(key remote.PoolKey) *keyedPool {
	return &keyedPool{key: key, lent: make(map[remote.Channel]*entry), notify: make(chan struct{})}
}

// signal wakes every waiter. Callers hold kp.mu.
func (kp *keyedPool) signal() {
	close(kp.notify)
	kp.notify = make(chan struct{})
}

// Pool lends channels keyed by (host, port, username).
type Pool struct {
	cfg    Config
	dial   DialFunc
	log    *logger.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu     sync.Mutex
	pools  map[remote.PoolKey]*keyedPool
	closed bool

	stopEvictor context.CancelFunc
	evictorDone chan struct{}
}

// New creates a pool that opens channels with dial and starts the idle evictor.
func New(cfg Config, dial DialFunc, log *logger.Logger, tracer trace.Tracer) *Pool {
	def := DefaultConfig()
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = def.MaxTotal
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.MaxTotal {
		cfg.MaxIdle = min(def.MaxIdle, cfg.MaxTotal)
	}
	if cfg.MinIdle < 0 || cfg.MinIdle > cfg.MaxIdle {
		cfg.MinIdle = min(def.MinIdle, cfg.MaxIdle)
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = def.ValidationTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = def.EvictionInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:         cfg,
		dial:        dial,
		log:         log,
		tracer:      tracer,
		now:         time.Now,
		pools:       make(map[remote.PoolKey]*keyedPool),
		stopEvictor: cancel,
		evictorDone: make(chan struct{}),
	}
	go p.runEvictor(ctx)
	return p
}

func (p *Pool) keyed(key remote.PoolKey, create bool) (*keyedPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	kp, ok := p.pools[key]
	if !ok && create {
		kp = newKeyedPool(key)
		p.pools[key] = kp
	}
	return kp, nil
}

// Borrow lends a validated channel for target, opening one if the key has
// spare capacity. When MaxTotal channels are live it blocks until one is
// returned or destroyed, or ctx is done.
func (p *Pool) Borrow(ctx context.Context, target remote.Target) (remote.Channel, error) {
	key := target.PoolKey()
	ctx, span := p.tracer.Start(ctx, "channelpool.borrow",
		trace.WithAttributes(
			attribute.String("pool_key", key.String()),
			attribute.String("machine_id", target.MachineID),
		))
	defer span.End()

	ch, err := p.borrow(ctx, key, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "borrow failed")
		return nil, err
	}
	return ch, nil
}

func (p *Pool) borrow(ctx context.Context, key remote.PoolKey, target remote.Target) (remote.Channel, error) {
	for {
		kp, err := p.keyed(key, true)
		if err != nil {
			return nil, err
		}

		kp.mu.Lock()
		if kp.closed {
			// Evicted between lookup and lock; retry against a fresh pool.
			kp.mu.Unlock()
			continue
		}

		if n := len(kp.idle); n > 0 {
			e := kp.idle[n-1]
			kp.idle = kp.idle[:n-1]
			kp.lent[e.channel] = e
			kp.mu.Unlock()

			if p.validate(ctx, e) {
				return e.channel, nil
			}
			p.log.Warn(ctx, "pooled channel failed validation, destroying", "pool_key", key.String())
			p.Invalidate(target, e.channel)
			continue
		}

		if kp.live < p.cfg.MaxTotal {
			kp.live++
			kp.mu.Unlock()

			ch, err := p.dial(ctx, target)
			if err != nil {
				kp.mu.Lock()
				kp.live--
				kp.signal()
				kp.mu.Unlock()
				return nil, fmt.Errorf("opening channel for %s: %w", key, err)
			}

			e := &entry{channel: ch, lastValidated: p.now()}
			kp.mu.Lock()
			closed := kp.closed
			if !closed {
				kp.lent[ch] = e
			}
			kp.mu.Unlock()
			if closed {
				_ = ch.Close()
				continue
			}
			p.log.Debug(ctx, "channel created", "pool_key", key.String())
			return ch, nil
		}

		wait := kp.notify
		kp.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for channel %s: %w", key, ctx.Err())
		case <-wait:
		}
	}
}

func (p *Pool) validate(ctx context.Context, e *entry) bool {
	if !e.channel.IsOpen() {
		return false
	}
	if _, err := e.channel.Execute(ctx, validationCommand, p.cfg.ValidationTimeout); err != nil {
		return false
	}
	e.lastValidated = p.now()
	return true
}

// Return hands a borrowed channel back. If the key's pool was evicted or the
// pool closed, or MaxIdle channels are already idle, the channel is closed.
func (p *Pool) Return(target remote.Target, ch remote.Channel) {
	kp, err := p.keyed(target.PoolKey(), false)
	if err != nil || kp == nil {
		_ = ch.Close()
		return
	}

	kp.mu.Lock()
	e, ok := kp.lent[ch]
	if !ok || kp.closed {
		kp.mu.Unlock()
		_ = ch.Close()
		return
	}
	delete(kp.lent, ch)

	if e.stale || !ch.IsOpen() || len(kp.idle) >= p.cfg.MaxIdle {
		kp.live--
		kp.signal()
		kp.mu.Unlock()
		_ = ch.Close()
		return
	}

	e.idleSince = p.now()
	kp.idle = append(kp.idle, e)
	kp.signal()
	kp.mu.Unlock()
}

// Invalidate destroys a borrowed channel instead of returning it, freeing its
// slot for a replacement.
func (p *Pool) Invalidate(target remote.Target, ch remote.Channel) {
	kp, err := p.keyed(target.PoolKey(), false)
	if err != nil || kp == nil {
		_ = ch.Close()
		return
	}
	p.destroy(kp, ch)
}

func (p *Pool) destroy(kp *keyedPool, ch remote.Channel) {
	kp.mu.Lock()
	if _, ok := kp.lent[ch]; ok {
		delete(kp.lent, ch)
		kp.live--
		kp.signal()
	}
	kp.mu.Unlock()
	_ = ch.Close()
}

// Evict tears down the pool for key. Idle channels are closed now; lent
// channels are closed when they are returned and keep holding their slot in
// the replacement pool until then.
func (p *Pool) Evict(key remote.PoolKey) {
	p.mu.Lock()
	kp, ok := p.pools[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pools, key)
	next := newKeyedPool(key)
	idle := kp.detach(next)
	if next.live > 0 {
		p.pools[key] = next
	}
	p.mu.Unlock()

	closeEntries(idle)
}

// detach closes kp and hands back its idle channels. When next is non-nil,
// lent channels move to next as stale entries.
func (kp *keyedPool) detach(next *keyedPool) []*entry {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	kp.closed = true
	idle := kp.idle
	kp.idle = nil
	kp.live -= len(idle)
	if next != nil {
		for ch, e := range kp.lent {
			e.stale = true
			next.lent[ch] = e
		}
		next.live = len(next.lent)
		kp.lent = make(map[remote.Channel]*entry)
	}
	kp.signal()
	return idle
}

func closeEntries(entries []*entry) {
	for _, e := range entries {
		_ = e.channel.Close()
	}
}

// Stats reports live and idle counts for key.
func (p *Pool) Stats(key remote.PoolKey) (live, idle int) {
	kp, err := p.keyed(key, false)
	if err != nil || kp == nil {
		return 0, 0
	}
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return kp.live, len(kp.idle)
}

// Close stops the evictor and tears down every key. It is safe to call more
// than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pools := p.pools
	p.pools = make(map[remote.PoolKey]*keyedPool)
	p.mu.Unlock()

	p.stopEvictor()
	<-p.evictorDone

	for _, kp := range pools {
		closeEntries(kp.detach(nil))
	}
}
