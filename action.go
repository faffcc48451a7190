// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"fmt"
	"net/netip"

	"github.com/emiago/callbridge/media/sdp"
)

type ActionKind int

const (
	// ActionNone is handled action left in queue. Orchestrator drops it.
	ActionNone ActionKind = iota
	ActionStart
	ActionStop
	ActionHangup
	ActionPlay
	ActionBridging
	ActionBridged
	ActionDone
	ActionReinvite
)

var actionKindNames = [...]string{
	ActionNone:     "none",
	ActionStart:    "start",
	ActionStop:     "stop",
	ActionHangup:   "hangup",
	ActionPlay:     "play",
	ActionBridging: "bridging",
	ActionBridged:  "bridged",
	ActionDone:     "done",
	ActionReinvite: "reinvite",
}

func (k ActionKind) String() string {
	if k < 0 || int(k) >= len(actionKindNames) {
		return fmt.Sprintf("unknown(%d)", int(k))
	}
	return actionKindNames[k]
}

// Action is pending operation on dialog. It is executed only by orchestrator.
type Action struct {
	Kind   ActionKind
	Dialog Handle
	// Peer is other leg for Bridging and Bridged
	Peer   Handle
	Target string
	File   string
	Route  string
	// Token of suspended server transaction, empty if there is nothing to resume
	Token string
	// Remote and Mode are offered media carried by Reinvite
	Remote netip.AddrPort
	Mode   sdp.Mode
	// Err is playback result carried by Done
	Err error
}

// actionQueue is FIFO guarded by registry mutex
type actionQueue struct {
	items []*Action
}

func (q *actionQueue) push(a *Action) {
	q.items = append(q.items, a)
}

func (q *actionQueue) drain() []*Action {
	items := q.items
	q.items = nil
	return items
}

func (q *actionQueue) len() int {
	return len(q.items)
}

func (q *actionQueue) kinds() []ActionKind {
	kinds := make([]ActionKind, 0, len(q.items))
	for _, a := range q.items {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

// neutralize turns queued actions of given kinds into ActionNone
func (q *actionQueue) neutralize(kinds ...ActionKind) int {
	n := 0
	for _, a := range q.items {
		for _, k := range kinds {
			if a.Kind == k {
				a.Kind = ActionNone
				n++
				break
			}
		}
	}
	return n
}
