// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"net/netip"

	"github.com/emiago/callbridge/media/sdp"
	"github.com/emiago/sipgo/sip"
)

// Answer answers INVITE with local media. Port is allocated now, session is created
// and 200 OK sent by orchestrator. Route continues once call is answered.
func (c *Controller) Answer(req *sip.Request, tx ServerTx, route string) Signal {
	callID, fromTag, toTag := dialogIDs(req)
	if toTag != "" {
		return c.ReInvite(req, tx)
	}
	if tx == nil {
		c.log.Info().Err(ErrNoTransaction).Str("call_id", callID).Msg("Answer skipped")
		return SignalDrop
	}

	offer, codec, err := negotiateOffer(req.Body())
	if err != nil {
		code, reason := statusForError(err)
		c.log.Info().Err(err).Str("call_id", callID).Msg("Rejecting offer")
		c.respond(req, tx, code, reason, "", nil)
		return SignalDrop
	}

	c.reg.mu.Lock()
	if d := c.reg.find(callID, fromTag); d != nil {
		c.reg.mu.Unlock()
		d.log.Debug().Msg("INVITE retransmission dropped")
		return SignalDrop
	}

	c.respond(req, tx, sip.StatusTrying, "Trying", "", nil)

	d := c.newInboundDialog(req)
	d.media.Local = c.allocateLocal()
	d.media.Remote = offer.Addr
	d.media.Codec = codec
	token, err := c.txs.Suspend(req, tx, d.LocalTag)
	if err != nil {
		c.reg.mu.Unlock()
		c.log.Error().Err(err).Str("call_id", callID).Msg("Failed to suspend INVITE")
		c.respond(req, tx, sip.StatusInternalServerError, "Server Internal Error", "", nil)
		return SignalDrop
	}
	c.publish(d)
	d.pendingToken = token
	c.reg.enqueue(d, &Action{Kind: ActionStart, Route: route, Token: token})
	c.reg.mu.Unlock()

	d.log.Info().Str("media", d.media.String()).Msg("Answering call")
	return SignalContinue
}

// Bridge connects call of request with target. Unanswered call is answered only
// when target answers, with failure of target relayed back to caller.
func (c *Controller) Bridge(req *sip.Request, tx ServerTx, target string, route string) Signal {
	callID, _, toTag := dialogIDs(req)
	targetURI, err := parseTarget(target)
	if err != nil {
		c.log.Info().Err(err).Str("call_id", callID).Msg("Bad bridge target")
		c.respond(req, tx, sip.StatusNotFound, "Not Found", "", nil)
		return SignalDrop
	}

	c.reg.mu.Lock()
	a := c.reg.findRequest(req)
	if a == nil {
		if tx == nil || !req.IsInvite() || toTag != "" {
			c.reg.mu.Unlock()
			c.log.Info().Str("call_id", callID).Msg("Bridge on unknown dialog")
			c.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", "", nil)
			return SignalDrop
		}

		offer, codec, err := negotiateOffer(req.Body())
		if err != nil {
			c.reg.mu.Unlock()
			code, reason := statusForError(err)
			c.log.Info().Err(err).Str("call_id", callID).Msg("Rejecting offer")
			c.respond(req, tx, code, reason, "", nil)
			return SignalDrop
		}
		c.respond(req, tx, sip.StatusTrying, "Trying", "", nil)

		a = c.newInboundDialog(req)
		a.media.Local = c.allocateLocal()
		a.media.Remote = offer.Addr
		a.media.Codec = codec
		c.publish(a)
	}

	if a.state.Terminating() {
		c.reg.mu.Unlock()
		a.log.Info().Msg("Bridge on terminated dialog")
		c.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", "", nil)
		return SignalDrop
	}
	if !a.peer.IsZero() {
		c.reg.mu.Unlock()
		a.log.Info().Err(ErrAlreadyBridged).Msg("Bridge rejected")
		c.respond(req, tx, sip.StatusBusyHere, "Busy Here", "", nil)
		return SignalDrop
	}

	var token string
	switch {
	case a.state.Established():
	case a.pendingToken != "":
		// Answer is pending, bridge takes over its transaction
		token = a.pendingToken
		a.actions.neutralize(ActionStart)
	case tx != nil:
		t, err := c.txs.Suspend(a.invite, tx, a.LocalTag)
		if err != nil {
			c.reg.mu.Unlock()
			a.log.Error().Err(err).Msg("Failed to suspend INVITE")
			return SignalDrop
		}
		token = t
		a.pendingToken = token
	default:
		c.reg.mu.Unlock()
		a.log.Info().Str("state", a.state.String()).Msg("Bridge with nothing to answer")
		return SignalDrop
	}

	b := c.newOutboundDialog(targetURI, a.RemoteURI)
	if a.state == DialogStateDefault {
		b.media = a.media
		b.media.Remote = netip.AddrPort{}
		b.media.Local = c.allocateLocal()
	} else {
		b.media.Local = c.allocateLocal()
		b.media.Codec = a.media.Codec
	}
	c.publish(b)
	if err := c.reg.link(a, b); err != nil {
		// Not reachable as peer was checked under same lock
		c.reg.mu.Unlock()
		return SignalDrop
	}

	if a.state == DialogStateDefault {
		if err := a.advance(DialogStateConnecting); err != nil {
			a.log.Error().Err(err).Msg("Bridge state")
		}
	}
	c.reg.enqueue(a, &Action{Kind: ActionBridging, Peer: b.handle, Target: target, Route: route, Token: token})
	c.reg.mu.Unlock()

	a.log.Info().Str("target", targetURI.String()).Str("bleg_call_id", b.CallID).Msg("Bridging call")
	return SignalContinue
}

// Play plays file on answered call. Route continues once playback is done.
func (c *Controller) Play(req *sip.Request, file string, route string) Signal {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	d := c.reg.findRequest(req)
	if d == nil {
		c.log.Info().Str("file", file).Msg("Play on unknown dialog")
		return SignalDrop
	}
	if !c.reg.enqueue(d, &Action{Kind: ActionPlay, File: file, Route: route}) {
		return SignalDrop
	}
	return SignalContinue
}

// Hangup terminates call. For BYE request it answers it, and answers retransmitted
// BYE with same response.
func (c *Controller) Hangup(req *sip.Request, tx ServerTx) Signal {
	c.reg.mu.Lock()
	d := c.reg.findRequest(req)
	if d == nil {
		c.reg.mu.Unlock()
		if req.Method == sip.BYE {
			c.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", "", nil)
		}
		return SignalDrop
	}

	if req.Method != sip.BYE {
		c.reg.enqueue(d, &Action{Kind: ActionHangup})
		c.reg.mu.Unlock()
		return SignalContinue
	}

	if d.byeReply != nil {
		reply := *d.byeReply
		c.reg.mu.Unlock()
		d.log.Debug().Msg("BYE retransmission")
		c.respond(req, tx, reply.code, reply.reason, "", nil)
		return SignalDrop
	}

	d.byeReply = &finalReply{code: sip.StatusOK, reason: "OK"}
	if !d.state.Terminating() {
		if err := d.advance(DialogStateDisconnecting); err != nil {
			d.log.Error().Err(err).Msg("BYE state")
		}
		c.reg.enqueue(d, &Action{Kind: ActionStop})
		if peer := c.reg.peerOf(d); peer != nil {
			c.reg.enqueue(peer, &Action{Kind: ActionHangup})
		}
	}
	c.reg.mu.Unlock()

	d.log.Info().Msg("Call hangup received")
	c.respond(req, tx, sip.StatusOK, "OK", "", nil)
	return SignalDrop
}

// DialogCheck verifies in dialog request belongs to known dialog
func (c *Controller) DialogCheck(req *sip.Request, tx ServerTx) Signal {
	c.reg.mu.Lock()
	d := c.reg.findRequest(req)
	c.reg.mu.Unlock()
	if d == nil {
		c.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", "", nil)
		return SignalDrop
	}
	return SignalContinue
}

// Ack confirms answered dialog
func (c *Controller) Ack(req *sip.Request) Signal {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	d := c.reg.findRequest(req)
	if d == nil {
		return SignalDrop
	}
	if d.state == DialogStateConnected {
		if err := d.advance(DialogStateConnectedAck); err != nil {
			d.log.Error().Err(err).Msg("ACK state")
		}
	}
	return SignalDrop
}

// Cancel cancels unanswered call. Outstanding bridge INVITE is cancelled directly by call id.
func (c *Controller) Cancel(req *sip.Request, tx ServerTx) Signal {
	c.reg.mu.Lock()
	a := c.reg.findRequest(req)
	if a == nil {
		c.reg.mu.Unlock()
		c.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", "", nil)
		return SignalDrop
	}
	c.respond(req, tx, sip.StatusOK, "OK", "", nil)

	if a.state >= DialogStateConnected {
		c.reg.mu.Unlock()
		a.log.Debug().Str("state", a.state.String()).Msg("CANCEL after answer ignored")
		return SignalDrop
	}

	token := claimToken(a)
	a.actions.neutralize(ActionStart, ActionBridging, ActionBridged)

	var cancelCallID string
	if peer := c.reg.peerOf(a); peer != nil {
		switch {
		case peer.state == DialogStateConnecting:
			cancelCallID = peer.CallID
			if err := peer.advance(DialogStateDisconnecting); err != nil {
				peer.log.Error().Err(err).Msg("CANCEL state")
			}
		case peer.state.Established():
			c.reg.enqueue(peer, &Action{Kind: ActionHangup})
		case peer.state == DialogStateDefault:
			if err := peer.advance(DialogStateDisconnected); err != nil {
				peer.log.Error().Err(err).Msg("CANCEL state")
			}
		}
		c.reg.unlink(a)
	}
	if err := a.advance(DialogStateDisconnected); err != nil {
		a.log.Error().Err(err).Msg("CANCEL state")
	}
	c.reg.mu.Unlock()

	a.log.Info().Msg("Call cancelled")
	if cancelCallID != "" {
		if err := c.out.Cancel(cancelCallID); err != nil {
			a.log.Info().Err(err).Str("bleg_call_id", cancelCallID).Msg("Failed to cancel bridge")
		}
	}
	c.resume(token, sip.StatusRequestTerminated, "Request Terminated", nil)
	return SignalDrop
}

// ReInvite handles in dialog INVITE. Bridged call forwards it to other leg,
// otherwise current local media is answered.
func (c *Controller) ReInvite(req *sip.Request, tx ServerTx) Signal {
	c.reg.mu.Lock()
	d := c.reg.findRequest(req)
	if d == nil || d.state.Terminating() {
		c.reg.mu.Unlock()
		c.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", "", nil)
		return SignalDrop
	}
	if d.renegotiating != "" {
		c.reg.mu.Unlock()
		d.log.Info().Err(ErrRenegotiationActive).Msg("Re-INVITE rejected")
		c.respond(req, tx, 491, "Request Pending", "", nil)
		return SignalDrop
	}

	var offer *sdp.Audio
	if len(req.Body()) > 0 {
		o, _, err := negotiateOffer(req.Body())
		if err != nil {
			c.reg.mu.Unlock()
			code, reason := statusForError(err)
			c.respond(req, tx, code, reason, "", nil)
			return SignalDrop
		}
		offer = &o
	}

	peer := c.reg.peerOf(d)
	if peer == nil || !peer.state.Established() {
		var act *Action
		mode := sdp.ModeSendrecv
		if offer != nil {
			d.media.Remote = offer.Addr
			mode = answerMode(offer.Mode)
			act = &Action{Kind: ActionReinvite, Remote: offer.Addr}
		}
		body, err := localSDP(d.media, mode)
		if act != nil {
			c.reg.enqueue(d, act)
		}
		c.reg.mu.Unlock()
		if err != nil {
			c.respond(req, tx, sip.StatusInternalServerError, "Server Internal Error", "", nil)
			return SignalDrop
		}
		c.respond(req, tx, sip.StatusOK, "OK", "", body)
		return SignalDrop
	}

	token, err := c.txs.Suspend(req, tx, d.LocalTag)
	if err != nil {
		c.reg.mu.Unlock()
		d.log.Info().Err(err).Msg("Re-INVITE skipped")
		return SignalDrop
	}
	d.renegotiating = token
	act := &Action{Kind: ActionReinvite, Peer: peer.handle, Token: token, Mode: sdp.ModeSendrecv}
	if offer != nil {
		d.media.Remote = offer.Addr
		act.Remote = offer.Addr
		act.Mode = offer.Mode
	}
	c.reg.enqueue(d, act)
	c.reg.mu.Unlock()

	c.respond(req, tx, sip.StatusTrying, "Trying", "", nil)
	return SignalContinue
}
