// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrTransactionTerminated = fmt.Errorf("%w: transaction terminated without final response", ErrSignalingFailure)

// ResponseFunc receives every response of outbound request.
// Exactly one call has final response or non nil error.
type ResponseFunc func(res *sip.Response, err error)

// Outbound sends requests on behalf of controller.
// Send never calls onResponse before returning.
type Outbound interface {
	Send(ctx context.Context, req *sip.Request, onResponse ResponseFunc) error
	// Write sends request outside of transaction. Used for ACK on 2xx.
	Write(req *sip.Request) error
	// Cancel cancels outstanding INVITE with call id
	Cancel(callID string) error
}

// SipgoOutbound is Outbound on top of sipgo client transactions
type SipgoOutbound struct {
	client *sipgo.Client
	log    zerolog.Logger

	mu      sync.Mutex
	invites map[string]*sip.Request
}

func NewSipgoOutbound(client *sipgo.Client, l zerolog.Logger) *SipgoOutbound {
	return &SipgoOutbound{
		client:  client,
		log:     l,
		invites: make(map[string]*sip.Request),
	}
}

func (o *SipgoOutbound) Send(ctx context.Context, req *sip.Request, onResponse ResponseFunc) error {
	tx, err := o.client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %s request: %w", ErrSignalingFailure, req.Method, err)
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	if req.IsInvite() {
		o.mu.Lock()
		o.invites[callID] = req
		o.mu.Unlock()
	}

	go func() {
		defer tx.Terminate()
		defer func() {
			if req.IsInvite() {
				o.mu.Lock()
				if o.invites[callID] == req {
					delete(o.invites, callID)
				}
				o.mu.Unlock()
			}
		}()

		for {
			select {
			case res := <-tx.Responses():
				if res == nil {
					onResponse(nil, ErrTransactionTerminated)
					return
				}
				onResponse(res, nil)
				if !res.IsProvisional() {
					return
				}

			case <-tx.Done():
				err := tx.Err()
				if err == nil {
					err = ErrTransactionTerminated
				}
				onResponse(nil, fmt.Errorf("%w: %w", ErrSignalingFailure, err))
				return

			case <-ctx.Done():
				if req.IsInvite() {
					if err := o.sendCancel(req); err != nil {
						o.log.Info().Err(err).Str("call_id", callID).Msg("Failed to cancel INVITE")
					}
				}
				onResponse(nil, ctx.Err())
				return
			}
		}
	}()
	return nil
}

func (o *SipgoOutbound) Write(req *sip.Request) error {
	if err := o.client.WriteRequest(req); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrSignalingFailure, req.Method, err)
	}
	return nil
}

func (o *SipgoOutbound) Cancel(callID string) error {
	o.mu.Lock()
	invite, ok := o.invites[callID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no outstanding INVITE call_id=%s", ErrSignalingFailure, callID)
	}
	return o.sendCancel(invite)
}

// sendCancel sends CANCEL built from INVITE. Response is awaited in background.
func (o *SipgoOutbound) sendCancel(invite *sip.Request) error {
	cancelReq := buildCancel(invite)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	tx, err := o.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: send CANCEL: %w", ErrSignalingFailure, err)
	}

	go func() {
		defer cancel()
		defer tx.Terminate()
		select {
		case res := <-tx.Responses():
			if res != nil {
				log.Debug().Int("status", int(res.StatusCode)).Str("call_id", invite.CallID().Value()).Msg("CANCEL response")
			}
		case <-tx.Done():
		case <-ctx.Done():
		}
	}()
	return nil
}
