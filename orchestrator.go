// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Run executes queued actions until ctx is done. Only one Run may be active per controller.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info().Dur("interval", c.interval).Msg("Orchestrator started")
	defer c.log.Info().Msg("Orchestrator stopped")
	for {
		c.step(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.reg.wake:
		}
	}
}

// step drains all queues, executes actions outside of lock and sweeps terminated dialogs
func (c *Controller) step(ctx context.Context) {
	for _, a := range c.reg.drain() {
		c.execute(ctx, a)
	}

	released := c.reg.sweep(time.Now(), c.terminatedTTL, c.byeTimeout)
	for _, d := range released {
		c.teardown(d, nil)
		d.log.Debug().Msg("Dialog released")
	}
	c.metrics.release(len(released))
}

func (c *Controller) execute(ctx context.Context, a *Action) {
	if a.Kind == ActionNone {
		return
	}
	c.metrics.action(a.Kind)

	switch a.Kind {
	case ActionStart:
		c.execStart(ctx, a)
	case ActionStop:
		c.execStop(a)
	case ActionHangup:
		c.execHangup(ctx, a)
	case ActionPlay:
		c.execPlay(a)
	case ActionBridging:
		c.execBridging(ctx, a)
	case ActionBridged:
		c.execBridged(ctx, a)
	case ActionDone:
		c.execDone(ctx, a)
	case ActionReinvite:
		c.execReinvite(ctx, a)
	default:
		c.log.Error().Str("kind", a.Kind.String()).Msg("Unknown action")
	}
}

func (c *Controller) execStart(ctx context.Context, a *Action) {
	c.reg.mu.Lock()
	d, err := c.reg.get(a.Dialog)
	if err != nil || d.pendingToken != a.Token || d.state.Terminating() {
		c.reg.mu.Unlock()
		return
	}
	desc := d.media
	c.reg.mu.Unlock()

	id, err := c.engine.CreateSession(desc)
	if err != nil {
		err = fmt.Errorf("%w: create session: %w", ErrMediaFailure, err)
		d.log.Error().Err(err).Msg("Failed to answer call")
		c.failAnswer(d, a.Token, sip.StatusInternalServerError, "Server Internal Error")
		return
	}
	body, err := localSDP(desc, "")
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to build answer")
		c.engine.DestroySession(id)
		c.failAnswer(d, a.Token, sip.StatusInternalServerError, "Server Internal Error")
		return
	}

	c.reg.mu.Lock()
	if d.pendingToken != a.Token || d.state.Terminating() {
		// Cancelled while session was created
		c.reg.mu.Unlock()
		c.engine.DestroySession(id)
		return
	}
	token := claimToken(d)
	if err := d.advance(DialogStateConnected); err != nil {
		d.log.Error().Err(err).Msg("Answer state")
	}
	c.reg.mu.Unlock()

	d.session = id
	d.hasSession = true
	c.resume(token, sip.StatusOK, "OK", body)
	d.log.Info().Str("media", desc.String()).Msg("Call answered")

	c.runRoute(ctx, d, a.Route, c.routes.Answer)
}

// failAnswer terminates unanswered dialog with final response
func (c *Controller) failAnswer(d *Dialog, token string, code sip.StatusCode, reason string) {
	c.reg.mu.Lock()
	if d.pendingToken != token {
		c.reg.mu.Unlock()
		return
	}
	claimToken(d)
	if err := d.advance(DialogStateDisconnected); err != nil {
		d.log.Error().Err(err).Msg("Answer failure state")
	}
	c.reg.mu.Unlock()
	c.resume(token, code, reason, nil)
}

func (c *Controller) execStop(a *Action) {
	c.reg.mu.Lock()
	d, err := c.reg.get(a.Dialog)
	if err != nil {
		c.reg.mu.Unlock()
		return
	}
	if d.state < DialogStateDisconnected {
		if err := d.advance(DialogStateDisconnected); err != nil {
			d.log.Error().Err(err).Msg("Stop state")
		}
	}
	peer := c.reg.peerOf(d)
	if peer != nil && !peer.state.Terminating() {
		c.reg.enqueue(peer, &Action{Kind: ActionHangup})
	}
	c.reg.unlink(d)
	c.reg.mu.Unlock()

	c.teardown(d, peer)
	d.log.Info().Msg("Call terminated")
}

// teardown destroys media of dialog and its peer. Every session is destroyed once.
func (c *Controller) teardown(d *Dialog, peer *Dialog) {
	for _, leg := range []*Dialog{d, peer} {
		if leg == nil || !leg.hasSession {
			continue
		}
		leg.hasSession = false
		leg.relaying = false
		if err := c.engine.DestroySession(leg.session); err != nil {
			leg.log.Info().Err(err).Msg("Failed to destroy media session")
		}
	}
}

func (c *Controller) execHangup(ctx context.Context, a *Action) {
	c.reg.mu.Lock()
	d, err := c.reg.get(a.Dialog)
	if err != nil || d.state.Terminating() {
		c.reg.mu.Unlock()
		return
	}

	var token string
	var cancel bool
	var bye *sip.Request
	switch {
	case d.pendingToken != "" && d.state < DialogStateConnected:
		token = claimToken(d)
		c.reg.enqueue(d, &Action{Kind: ActionStop})
	case d.Outbound && d.state == DialogStateConnecting:
		cancel = true
	case d.state.Established():
		bye = buildInDialog(d, sip.BYE, c.contact, nil)
	default:
		c.reg.enqueue(d, &Action{Kind: ActionStop})
	}
	if err := d.advance(DialogStateDisconnecting); err != nil {
		d.log.Error().Err(err).Msg("Hangup state")
	}
	if peer := c.reg.peerOf(d); peer != nil && !peer.state.Terminating() {
		c.reg.enqueue(peer, &Action{Kind: ActionHangup})
	}
	c.reg.mu.Unlock()

	c.resume(token, sip.StatusRequestTerminated, "Request Terminated", nil)
	if cancel {
		if err := c.out.Cancel(d.CallID); err != nil {
			d.log.Info().Err(err).Msg("Failed to cancel INVITE")
		}
	}
	if bye == nil {
		return
	}

	d.log.Info().Msg("Sending BYE")
	h := d.handle
	err = c.out.Send(ctx, bye, func(res *sip.Response, err error) {
		if err != nil {
			d.log.Info().Err(err).Msg("BYE failed")
		} else if res.IsProvisional() {
			return
		}
		c.enqueue(h, &Action{Kind: ActionStop})
	})
	if err != nil {
		d.log.Info().Err(err).Msg("Failed to send BYE")
		c.enqueue(h, &Action{Kind: ActionStop})
	}
}

func (c *Controller) execPlay(a *Action) {
	c.reg.mu.Lock()
	d, err := c.reg.get(a.Dialog)
	if err != nil || d.state.Terminating() {
		c.reg.mu.Unlock()
		return
	}
	c.reg.mu.Unlock()

	if !d.hasSession {
		d.log.Info().Str("file", a.File).Msg("Play on call without media")
		c.enqueue(a.Dialog, &Action{Kind: ActionHangup})
		return
	}

	h, route := a.Dialog, a.Route
	err = c.engine.StartPlayback(d.session, a.File, func(err error) {
		c.enqueue(h, &Action{Kind: ActionDone, Route: route, Err: err})
	})
	if err != nil {
		d.log.Error().Err(fmt.Errorf("%w: playback: %w", ErrMediaFailure, err)).Str("file", a.File).Msg("Failed to play")
		c.enqueue(a.Dialog, &Action{Kind: ActionHangup})
		return
	}
	d.log.Info().Str("file", a.File).Msg("Playing file")
}

func (c *Controller) execDone(ctx context.Context, a *Action) {
	c.reg.mu.Lock()
	d, err := c.reg.get(a.Dialog)
	if err != nil || d.state.Terminating() {
		c.reg.mu.Unlock()
		return
	}
	c.reg.mu.Unlock()

	if a.Err != nil {
		d.log.Info().Err(a.Err).Msg("Playback finished with error")
	}
	if c.runRoute(ctx, d, a.Route, "") {
		return
	}
	c.execHangup(ctx, &Action{Kind: ActionHangup, Dialog: a.Dialog})
}
