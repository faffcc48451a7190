// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// DialogState is totally ordered. Dialog can only move forward.
type DialogState int

const (
	DialogStateDefault DialogState = iota
	DialogStateConnecting
	DialogStateConnected
	DialogStateConnectedAck
	DialogStateDisconnecting
	DialogStateDisconnected
)

var dialogStateNames = [...]string{
	DialogStateDefault:       "default",
	DialogStateConnecting:    "connecting",
	DialogStateConnected:     "connected",
	DialogStateConnectedAck:  "connected_ack",
	DialogStateDisconnecting: "disconnecting",
	DialogStateDisconnected:  "disconnected",
}

func (s DialogState) String() string {
	if s < 0 || int(s) >= len(dialogStateNames) {
		return fmt.Sprintf("unknown(%d)", int(s))
	}
	return dialogStateNames[s]
}

func parseDialogState(name string) DialogState {
	for i, n := range dialogStateNames {
		if n == name {
			return DialogState(i)
		}
	}
	return -1
}

// Terminating is true for Disconnecting and Disconnected
func (s DialogState) Terminating() bool {
	return s >= DialogStateDisconnecting
}

// Established is true for Connected and ConnectedAck
func (s DialogState) Established() bool {
	return s == DialogStateConnected || s == DialogStateConnectedAck
}

// dialogEvents has event per target state, named as state.
// Sources are all lower states so any backward or repeated move is invalid event.
var dialogEvents = func() fsm.Events {
	events := fsm.Events{}
	for to := DialogStateConnecting; to <= DialogStateDisconnected; to++ {
		src := []string{}
		for from := DialogStateDefault; from < to; from++ {
			src = append(src, from.String())
		}
		events = append(events, fsm.EventDesc{Name: to.String(), Src: src, Dst: to.String()})
	}
	return events
}()

func newDialogFSM(onTransition func(from DialogState, to DialogState)) *fsm.FSM {
	return fsm.NewFSM(
		DialogStateDefault.String(),
		dialogEvents,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onTransition(parseDialogState(e.Src), parseDialogState(e.Dst))
			},
		},
	)
}
