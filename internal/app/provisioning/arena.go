package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
	"github.com/ahrav/fleet-armada/internal/domain/remote"
)

// ChannelSource lends channels; *channelpool.Pool satisfies it.
type ChannelSource interface {
	Borrow(ctx context.Context, target remote.Target) (remote.Channel, error)
	Return(target remote.Target, ch remote.Channel)
	Invalidate(target remote.Target, ch remote.Channel)
}

// Handle pairs a borrowed channel with the classified OS of its machine.
type Handle struct {
	Target  remote.Target
	Channel remote.Channel
	OS      domain.OSDescriptor

	broken bool
}

// Observe records err from an operation on the handle's channel. Transport
// level failures mark the channel for destruction on release.
func (h *Handle) Observe(err error) {
	var cmdErr *remote.CommandError
	if errors.As(err, &cmdErr) && cmdErr.BreaksChannel() {
		h.broken = true
	}
}

// Arena caches one Handle per machine for the lifetime of a single task. The
// task that creates an Arena must call Release when it finishes.
type Arena struct {
	creds      remote.CredentialLookup
	source     ChannelSource
	classifier *Classifier

	mu       sync.Mutex
	handles  map[string]*Handle
	released bool
}

// NewArena creates an empty arena.
func NewArena(creds remote.CredentialLookup, source ChannelSource, classifier *Classifier) *Arena {
	return &Arena{creds: creds, source: source, classifier: classifier, handles: make(map[string]*Handle)}
}

// Acquire returns the handle for machineID, resolving credentials, borrowing a
// channel and classifying the OS on first use.
func (a *Arena) Acquire(ctx context.Context, machineID string) (*Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.released {
		return nil, errors.New("arena already released")
	}
	if h, ok := a.handles[machineID]; ok {
		return h, nil
	}

	target, err := a.creds.Lookup(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials for machine %s: %w", machineID, err)
	}

	ch, err := a.source.Borrow(ctx, target)
	if err != nil {
		return nil, err
	}
	h := &Handle{Target: target, Channel: ch}

	desc, err := a.classifier.Classify(ctx, machineID, ch)
	if err != nil {
		h.Observe(err)
		a.release(h)
		return nil, err
	}
	h.OS = desc

	a.handles[machineID] = h
	return h, nil
}

// Release hands every borrowed channel back to its source. Channels that saw
// a transport failure are invalidated instead. Safe to call more than once.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, h := range a.handles {
		a.release(h)
		delete(a.handles, id)
	}
	a.released = true
}

func (a *Arena) release(h *Handle) {
	if h.broken || !h.Channel.IsOpen() {
		a.source.Invalidate(h.Target, h.Channel)
		return
	}
	a.source.Return(h.Target, h.Channel)
}
