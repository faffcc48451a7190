// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/callbridge/media"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Handle references dialog inside registry. Handle of released dialog is stale
// and every lookup with it fails with ErrStaleHandle.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.index, h.gen)
}

// Dialog is single call leg.
//
// Identity fields are set before dialog is published to registry and never change.
// Fields marked as registry guarded are accessed only with registry lock held.
// Media session fields are owned by orchestrator goroutine.
type Dialog struct {
	CallID   string
	LocalTag string
	// LocalURI is our identity on this leg, RemoteURI is the other party.
	LocalURI  sip.Uri
	RemoteURI sip.Uri
	// Outbound is true for legs created by bridging
	Outbound bool

	// registry guarded
	remoteTag       string
	contact         sip.Uri
	cseq            uint32
	handle          Handle
	state           DialogState
	fsm             *fsm.FSM
	peer            Handle
	media           media.Descriptor
	actions         actionQueue
	invite          *sip.Request
	pendingToken    string
	renegotiating   string
	byeReply        *finalReply
	stopQueued      bool
	disconnectingAt time.Time
	terminatedAt    time.Time
	elem            *list.Element

	// orchestrator owned
	session    media.SessionID
	hasSession bool
	relaying   bool

	log zerolog.Logger
}

// finalReply is stored to answer retransmitted BYE identically
type finalReply struct {
	code   sip.StatusCode
	reason string
}

func newDialog(callID string, localTag string, log zerolog.Logger, onTransition func(from, to DialogState)) *Dialog {
	d := &Dialog{
		CallID:   callID,
		LocalTag: localTag,
		log:      log.With().Str("call_id", callID).Logger(),
	}
	d.fsm = newDialogFSM(func(from, to DialogState) {
		d.state = to
		switch to {
		case DialogStateDisconnecting:
			d.disconnectingAt = time.Now()
		case DialogStateDisconnected:
			d.terminatedAt = time.Now()
		}
		if onTransition != nil {
			onTransition(from, to)
		}
	})
	return d
}

// advance moves dialog to higher state. Moving to same or lower state is rejected and logged.
// Caller must hold registry lock.
func (d *Dialog) advance(to DialogState) error {
	from := d.state
	if err := d.fsm.Event(context.Background(), to.String()); err != nil {
		d.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Dialog state regression rejected")
		return fmt.Errorf("%w: %s -> %s: %w", ErrStateRegression, from, to, err)
	}
	d.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Dialog state changed")
	return nil
}

func (d *Dialog) nextCSeq() uint32 {
	d.cseq++
	return d.cseq
}

// DialogSnapshot is copy of dialog taken under registry lock
type DialogSnapshot struct {
	Handle    Handle
	CallID    string
	LocalTag  string
	RemoteTag string
	Outbound  bool
	State     DialogState
	Peer      Handle
	Media     media.Descriptor
	Actions   []ActionKind
	Suspended bool
}

func (d *Dialog) snapshot() DialogSnapshot {
	return DialogSnapshot{
		Handle:    d.handle,
		CallID:    d.CallID,
		LocalTag:  d.LocalTag,
		RemoteTag: d.remoteTag,
		Outbound:  d.Outbound,
		State:     d.state,
		Peer:      d.peer,
		Media:     d.media,
		Actions:   d.actions.kinds(),
		Suspended: d.pendingToken != "",
	}
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
