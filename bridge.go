// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"context"
	"fmt"

	"github.com/emiago/callbridge/media"
	"github.com/emiago/callbridge/media/sdp"
	"github.com/emiago/sipgo/sip"
)

// execBridging sends INVITE to peer leg. Action is queued on originating leg.
func (c *Controller) execBridging(ctx context.Context, act *Action) {
	c.reg.mu.Lock()
	a, errA := c.reg.get(act.Dialog)
	b, errB := c.reg.get(act.Peer)
	if errA != nil || errB != nil || a.state.Terminating() || b.state.Terminating() {
		c.reg.mu.Unlock()
		c.log.Debug().Str("handle", act.Dialog.String()).Msg("Bridge abandoned before INVITE")
		return
	}

	body, err := localSDP(b.media, "")
	if err != nil {
		c.reg.mu.Unlock()
		a.log.Error().Err(err).Msg("Failed to build bridge offer")
		c.bridgeFailed(act, sip.StatusInternalServerError, "Server Internal Error")
		return
	}
	invite := buildInvite(b, c.contact, body)
	b.invite = invite
	if err := b.advance(DialogStateConnecting); err != nil {
		b.log.Error().Err(err).Msg("Bridge state")
	}
	c.reg.mu.Unlock()

	sendCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.bridgeTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, c.bridgeTimeout)
	}

	b.log.Info().Str("target", b.RemoteURI.String()).Msg("Sending bridge INVITE")
	err = c.out.Send(sendCtx, invite, func(res *sip.Response, err error) {
		if err == nil && res.IsProvisional() {
			c.bridgeProvisional(act, res)
			return
		}
		cancel()
		c.onBridgeResponse(act, invite, res, err)
	})
	if err != nil {
		cancel()
		b.log.Info().Err(err).Msg("Bridge INVITE failed")
		c.bridgeFailed(act, sip.StatusServiceUnavailable, "Service Unavailable")
	}
}

func (c *Controller) onBridgeResponse(act *Action, invite *sip.Request, res *sip.Response, err error) {
	if err != nil {
		code, reason := statusForError(err)
		c.log.Info().Err(err).Int("status", int(code)).Msg("Bridge INVITE transaction failed")
		c.bridgeFailed(act, code, reason)
		return
	}
	if res.IsSuccess() {
		c.bridgeAnswered(act, invite, res)
		return
	}
	c.bridgeFailed(act, res.StatusCode, res.Reason)
}

// bridgeProvisional relays ringing to unanswered caller. Early media is not relayed.
func (c *Controller) bridgeProvisional(act *Action, res *sip.Response) {
	if res.StatusCode != sip.StatusRinging && res.StatusCode != 183 {
		return
	}
	c.reg.mu.Lock()
	a, err := c.reg.get(act.Dialog)
	token := ""
	if err == nil && a.pendingToken == act.Token {
		token = a.pendingToken
	}
	c.reg.mu.Unlock()
	if token == "" {
		return
	}
	if err := c.txs.Provisional(token, sip.StatusRinging, "Ringing"); err != nil {
		c.log.Debug().Err(err).Msg("Failed to relay ringing")
	}
}

// bridgeFailed terminates peer leg and resumes unanswered caller with failure code.
// An established caller stays connected without a peer.
func (c *Controller) bridgeFailed(act *Action, code sip.StatusCode, reason string) {
	c.metrics.bridge("failed")

	c.reg.mu.Lock()
	var token string
	if b, err := c.reg.get(act.Peer); err == nil {
		if b.state < DialogStateDisconnected {
			if err := b.advance(DialogStateDisconnected); err != nil {
				b.log.Error().Err(err).Msg("Bridge failure state")
			}
		}
		c.reg.unlink(b)
	}
	if a, err := c.reg.get(act.Dialog); err == nil {
		if a.pendingToken != "" && a.pendingToken == act.Token && a.state < DialogStateConnected {
			token = claimToken(a)
			if err := a.advance(DialogStateDisconnected); err != nil {
				a.log.Error().Err(err).Msg("Bridge failure state")
			}
		}
		a.log.Info().Int("status", int(code)).Str("state", a.state.String()).Msg("Bridge failed")
	}
	c.reg.mu.Unlock()

	c.resume(token, code, reason, nil)
}

// bridgeAnswered confirms peer leg and queues Bridged on originating leg
func (c *Controller) bridgeAnswered(act *Action, invite *sip.Request, res *sip.Response) {
	answer, err := sdp.ParseAudio(res.Body())

	c.reg.mu.Lock()
	b, errB := c.reg.get(act.Peer)
	ack := buildAck(invite, res)
	if errB != nil {
		c.reg.mu.Unlock()
		c.writeAck(ack)
		return
	}

	if to := res.To(); to != nil {
		b.remoteTag, _ = to.Params.Get("tag")
	}
	if contact := res.Contact(); contact != nil {
		b.contact = contact.Address
	}

	if b.state.Terminating() {
		// Cancel lost race with answer
		bye := buildInDialog(b, sip.BYE, c.contact, nil)
		c.reg.mu.Unlock()
		c.writeAck(ack)
		c.sendBye(b, bye, true)
		return
	}
	if err := b.advance(DialogStateConnected); err != nil {
		b.log.Error().Err(err).Msg("Bridge answer state")
	}

	var codec media.Codec
	if err == nil {
		codec, err = media.NegotiateCodec(answer.PayloadTypes(), []media.Codec{b.media.Codec})
	}
	if err != nil {
		b.log.Info().Err(err).Msg("Bridge answer not acceptable")
		bye := buildInDialog(b, sip.BYE, c.contact, nil)
		if err := b.advance(DialogStateDisconnecting); err != nil {
			b.log.Error().Err(err).Msg("Bridge answer state")
		}
		c.reg.mu.Unlock()

		c.writeAck(ack)
		c.sendBye(b, bye, false)
		c.bridgeFailed(act, sip.StatusNotAcceptableHere, "Not Acceptable Here")
		return
	}

	b.media.Remote = answer.Addr
	b.media.Codec = codec
	if a, err := c.reg.get(act.Dialog); err == nil {
		c.reg.enqueue(a, &Action{Kind: ActionBridged, Peer: b.handle, Route: act.Route, Token: act.Token})
	}
	c.reg.mu.Unlock()

	b.log.Info().Str("media", b.media.String()).Msg("Bridge answered")
	c.writeAck(ack)
}

func (c *Controller) writeAck(ack *sip.Request) {
	if err := c.out.Write(ack); err != nil {
		c.log.Info().Err(err).Msg("Failed to send ACK")
	}
}

// sendBye sends BYE outside of orchestrator. Stop is queued on completion if requested.
func (c *Controller) sendBye(d *Dialog, bye *sip.Request, stop bool) {
	h := d.handle
	onDone := func() {
		if stop {
			c.enqueue(h, &Action{Kind: ActionStop})
		}
	}
	err := c.out.Send(context.Background(), bye, func(res *sip.Response, err error) {
		if err == nil && res.IsProvisional() {
			return
		}
		onDone()
	})
	if err != nil {
		d.log.Info().Err(err).Msg("Failed to send BYE")
		onDone()
	}
}

// execBridged creates media for both legs, starts relay and answers caller
func (c *Controller) execBridged(ctx context.Context, act *Action) {
	c.reg.mu.Lock()
	a, errA := c.reg.get(act.Dialog)
	b, errB := c.reg.get(act.Peer)
	if errA != nil || errB != nil || a.state.Terminating() || b.state.Terminating() || a.peer != b.handle {
		c.reg.mu.Unlock()
		return
	}
	aDesc := a.media
	aDesc.Codec = b.media.Codec
	bDesc := b.media
	c.reg.mu.Unlock()

	if err := c.startRelay(a, aDesc, b, bDesc); err != nil {
		err = fmt.Errorf("%w: bridge: %w", ErrMediaFailure, err)
		a.log.Error().Err(err).Msg("Failed to bridge media")
		c.metrics.bridge("media_failed")

		c.reg.mu.Lock()
		token := ""
		if a.pendingToken == act.Token {
			token = claimToken(a)
		}
		if token != "" {
			if err := a.advance(DialogStateDisconnecting); err != nil {
				a.log.Error().Err(err).Msg("Bridge media failure state")
			}
			c.reg.enqueue(a, &Action{Kind: ActionStop})
		} else {
			c.reg.enqueue(a, &Action{Kind: ActionHangup})
		}
		c.reg.enqueue(b, &Action{Kind: ActionHangup})
		c.reg.mu.Unlock()

		c.resume(token, sip.StatusInternalServerError, "Server Internal Error", nil)
		return
	}

	body, err := localSDP(aDesc, "")
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to build answer")
	}

	c.reg.mu.Lock()
	a.media = aDesc
	token := ""
	if act.Token != "" && a.pendingToken == act.Token {
		token = claimToken(a)
	}
	if a.state < DialogStateConnected {
		if err := a.advance(DialogStateConnected); err != nil {
			a.log.Error().Err(err).Msg("Bridged state")
		}
	}
	c.reg.mu.Unlock()

	c.metrics.bridge("bridged")
	c.resume(token, sip.StatusOK, "OK", body)
	a.log.Info().Str("bleg_call_id", b.CallID).Msg("Call bridged")

	c.runRoute(ctx, a, act.Route, c.routes.Bridge)
}

// startRelay creates missing sessions and relays them. Created sessions are destroyed on failure.
func (c *Controller) startRelay(a *Dialog, aDesc media.Descriptor, b *Dialog, bDesc media.Descriptor) error {
	var created []*Dialog
	rollback := func() {
		for _, d := range created {
			c.teardown(d, nil)
		}
	}

	for _, leg := range []struct {
		d    *Dialog
		desc media.Descriptor
	}{{a, aDesc}, {b, bDesc}} {
		if leg.d.hasSession {
			continue
		}
		id, err := c.engine.CreateSession(leg.desc)
		if err != nil {
			rollback()
			return err
		}
		leg.d.session = id
		leg.d.hasSession = true
		created = append(created, leg.d)
	}

	if err := c.engine.StartRelay(a.session, b.session); err != nil {
		rollback()
		return err
	}
	a.relaying = true
	b.relaying = true
	return nil
}
