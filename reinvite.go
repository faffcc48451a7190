// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"context"

	"github.com/emiago/callbridge/media/sdp"
	"github.com/emiago/sipgo/sip"
)

// execReinvite applies new remote media. With token it forwards renegotiation to peer
// and resumes suspended re-INVITE with peer result.
func (c *Controller) execReinvite(ctx context.Context, act *Action) {
	c.reg.mu.Lock()
	d, err := c.reg.get(act.Dialog)
	if err != nil {
		c.reg.mu.Unlock()
		c.resume(act.Token, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		return
	}
	c.reg.mu.Unlock()

	if act.Remote.IsValid() && d.hasSession {
		if err := c.engine.UpdateRemote(d.session, act.Remote); err != nil {
			d.log.Info().Err(err).Msg("Failed to update remote media")
		}
	}
	if act.Token == "" {
		return
	}

	c.reg.mu.Lock()
	peer := c.reg.peerOf(d)
	if peer == nil || !peer.state.Established() || d.state.Terminating() {
		// Peer is gone, answer locally
		d.renegotiating = ""
		body, err := localSDP(d.media, answerMode(act.Mode))
		c.reg.mu.Unlock()
		if err != nil {
			c.resume(act.Token, sip.StatusInternalServerError, "Server Internal Error", nil)
			return
		}
		c.resume(act.Token, sip.StatusOK, "OK", body)
		return
	}

	body, err := localSDP(peer.media, act.Mode)
	if err != nil {
		d.renegotiating = ""
		c.reg.mu.Unlock()
		c.resume(act.Token, sip.StatusInternalServerError, "Server Internal Error", nil)
		return
	}
	req := buildInDialog(peer, sip.INVITE, c.contact, body)
	peerHandle := peer.handle
	c.reg.mu.Unlock()

	d.log.Info().Str("peer_call_id", peer.CallID).Msg("Forwarding re-INVITE")
	err = c.out.Send(ctx, req, func(res *sip.Response, err error) {
		if err == nil && res.IsProvisional() {
			return
		}
		c.reinviteAnswered(act, peerHandle, req, res, err)
	})
	if err != nil {
		d.log.Info().Err(err).Msg("Failed to forward re-INVITE")
		c.reinviteAnswered(act, peerHandle, req, nil, err)
	}
}

// reinviteAnswered completes forwarded re-INVITE. Exactly one resume happens here.
func (c *Controller) reinviteAnswered(act *Action, peerHandle Handle, req *sip.Request, res *sip.Response, err error) {
	code, reason := sip.StatusCode(0), ""
	var body []byte

	c.reg.mu.Lock()
	d, derr := c.reg.get(act.Dialog)
	if derr == nil && d.renegotiating == act.Token {
		d.renegotiating = ""
	}

	switch {
	case err != nil:
		code, reason = statusForError(err)
	case !res.IsSuccess():
		code, reason = res.StatusCode, res.Reason
	default:
		code, reason = sip.StatusOK, "OK"
		if peer, perr := c.reg.get(peerHandle); perr == nil {
			if answer, aerr := sdp.ParseAudio(res.Body()); aerr == nil {
				peer.media.Remote = answer.Addr
				c.reg.enqueue(peer, &Action{Kind: ActionReinvite, Remote: answer.Addr})
			}
		}
		if derr == nil {
			b, berr := localSDP(d.media, answerMode(act.Mode))
			if berr != nil {
				code, reason = sip.StatusInternalServerError, "Server Internal Error"
			}
			body = b
		}
	}
	c.reg.mu.Unlock()

	if err == nil && res.IsSuccess() {
		c.writeAck(buildAck(req, res))
	}
	c.resume(act.Token, code, reason, body)
}
