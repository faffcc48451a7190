// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

type registrySlot struct {
	gen    uint32
	dialog *Dialog
}

// Registry holds all live dialogs. Single mutex guards dialogs, their action queues,
// states and peer links.
//
// Dialogs are kept in insertion order and lookups are linear scans.
// Handles are generation checked, so handle of removed dialog never resolves to newer one.
type Registry struct {
	mu      sync.Mutex
	slots   []registrySlot
	free    []uint32
	dialogs *list.List
	// wake is notified on every enqueue
	wake chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		dialogs: list.New(),
		wake:    make(chan struct{}, 1),
	}
}

// Add publishes dialog and returns its handle
func (r *Registry) Add(d *Dialog) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(d)
}

func (r *Registry) add(d *Dialog) Handle {
	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, registrySlot{})
		index = uint32(len(r.slots) - 1)
	}

	slot := &r.slots[index]
	slot.gen++
	slot.dialog = d
	h := Handle{index: index, gen: slot.gen}
	d.handle = h
	d.elem = r.dialogs.PushBack(d)
	return h
}

// Remove releases dialog. Peer link is cleared on both sides.
func (r *Registry) Remove(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(h)
}

func (r *Registry) remove(h Handle) error {
	d, err := r.get(h)
	if err != nil {
		return err
	}
	r.unlink(d)

	slot := &r.slots[h.index]
	slot.gen++
	slot.dialog = nil
	r.free = append(r.free, h.index)
	r.dialogs.Remove(d.elem)
	d.elem = nil
	return nil
}

// Get resolves handle to dialog. Dialog fields except identity must be read under lock.
func (r *Registry) Get(h Handle) (*Dialog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(h)
}

func (r *Registry) get(h Handle) (*Dialog, error) {
	if h.IsZero() || int(h.index) >= len(r.slots) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	slot := r.slots[h.index]
	if slot.gen != h.gen || slot.dialog == nil {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return slot.dialog, nil
}

// Find matches dialog by call id and either remote or local tag
func (r *Registry) Find(callID string, tag string) (*Dialog, Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.find(callID, tag)
	if d == nil {
		return nil, Handle{}, false
	}
	return d, d.handle, true
}

func (r *Registry) find(callID string, tag string) *Dialog {
	if tag == "" {
		return nil
	}
	for e := r.dialogs.Front(); e != nil; e = e.Next() {
		d := e.Value.(*Dialog)
		if d.CallID != callID {
			continue
		}
		if d.remoteTag == tag || d.LocalTag == tag {
			return d
		}
	}
	return nil
}

// findRequest matches request by From tag and then by To tag.
// Requests from either side of dialog resolve to same leg.
func (r *Registry) findRequest(req *sip.Request) *Dialog {
	callID, fromTag, toTag := dialogIDs(req)
	if callID == "" {
		return nil
	}
	if d := r.find(callID, fromTag); d != nil {
		return d
	}
	return r.find(callID, toTag)
}

func (r *Registry) Snapshot(h Handle) (DialogSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.get(h)
	if err != nil {
		return DialogSnapshot{}, err
	}
	return d.snapshot(), nil
}

// Snapshots returns all live dialogs in registry order
func (r *Registry) Snapshots() []DialogSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := make([]DialogSnapshot, 0, r.dialogs.Len())
	for e := r.dialogs.Front(); e != nil; e = e.Next() {
		snaps = append(snaps, e.Value.(*Dialog).snapshot())
	}
	return snaps
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dialogs.Len()
}

// enqueue appends action to dialog queue. Disconnected dialog accepts nothing.
// Caller must hold lock.
func (r *Registry) enqueue(d *Dialog, a *Action) bool {
	if d.state == DialogStateDisconnected {
		return false
	}
	if a.Kind == ActionStop {
		if d.stopQueued {
			return false
		}
		d.stopQueued = true
	}
	a.Dialog = d.handle
	d.actions.push(a)
	r.notify()
	return true
}

func (r *Registry) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// drain pops all pending actions, dialogs visited in registry order
func (r *Registry) drain() []*Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var actions []*Action
	for e := r.dialogs.Front(); e != nil; e = e.Next() {
		d := e.Value.(*Dialog)
		if d.actions.len() == 0 {
			continue
		}
		actions = append(actions, d.actions.drain()...)
	}
	return actions
}

// link makes two dialogs peers. Caller must hold lock.
func (r *Registry) link(a *Dialog, b *Dialog) error {
	if !a.peer.IsZero() || !b.peer.IsZero() {
		return ErrAlreadyBridged
	}
	a.peer = b.handle
	b.peer = a.handle
	return nil
}

// unlink clears peer on both sides. Caller must hold lock.
func (r *Registry) unlink(d *Dialog) {
	if d.peer.IsZero() {
		return
	}
	if p, err := r.get(d.peer); err == nil && p.peer == d.handle {
		p.peer = Handle{}
	}
	d.peer = Handle{}
}

// peerOf returns linked peer or nil. Caller must hold lock.
func (r *Registry) peerOf(d *Dialog) *Dialog {
	if d.peer.IsZero() {
		return nil
	}
	p, err := r.get(d.peer)
	if err != nil {
		return nil
	}
	return p
}

// sweep releases dialogs terminated longer than ttl and enqueues Stop
// for dialogs stuck in Disconnecting longer than byeTimeout.
func (r *Registry) sweep(now time.Time, ttl time.Duration, byeTimeout time.Duration) (released []*Dialog) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Handle
	for e := r.dialogs.Front(); e != nil; e = e.Next() {
		d := e.Value.(*Dialog)
		switch d.state {
		case DialogStateDisconnected:
			if !d.terminatedAt.IsZero() && now.Sub(d.terminatedAt) >= ttl && d.actions.len() == 0 {
				expired = append(expired, d.handle)
			}
		case DialogStateDisconnecting:
			if byeTimeout > 0 && !d.stopQueued && now.Sub(d.disconnectingAt) >= byeTimeout {
				d.log.Info().Msg("Termination timed out, forcing media teardown")
				r.enqueue(d, &Action{Kind: ActionStop})
			}
		}
	}

	for _, h := range expired {
		d, err := r.get(h)
		if err != nil {
			continue
		}
		if err := r.remove(h); err == nil {
			released = append(released, d)
		}
	}
	return released
}
