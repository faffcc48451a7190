// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// ServerTx is server transaction we answer on. sip.ServerTransaction satisfies it.
type ServerTx interface {
	Respond(res *sip.Response) error
}

type suspendedTx struct {
	req      *sip.Request
	tx       ServerTx
	localTag string
	at       time.Time
}

// transactionTable keeps suspended server transactions by correlation token.
// Every token is resumed or abandoned exactly once.
type transactionTable struct {
	mu      sync.Mutex
	txs     map[string]*suspendedTx
	contact sip.Uri

	onResume func(code sip.StatusCode)
}

func newTransactionTable(contact sip.Uri) *transactionTable {
	return &transactionTable{
		txs:     make(map[string]*suspendedTx),
		contact: contact,
	}
}

// Suspend stores transaction and returns token under which it can be resumed.
// Request without server transaction can not be suspended.
func (t *transactionTable) Suspend(req *sip.Request, tx ServerTx, localTag string) (string, error) {
	if tx == nil {
		return "", ErrNoTransaction
	}
	token := uuid.NewString()
	t.mu.Lock()
	t.txs[token] = &suspendedTx{req: req, tx: tx, localTag: localTag, at: time.Now()}
	t.mu.Unlock()
	return token, nil
}

// Provisional sends provisional response and keeps transaction suspended
func (t *transactionTable) Provisional(token string, code sip.StatusCode, reason string) error {
	t.mu.Lock()
	s, ok := t.txs[token]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: token=%s", ErrNotSuspended, token)
	}
	res := buildResponse(s.req, code, reason, nil, s.localTag, t.contact)
	if err := s.tx.Respond(res); err != nil {
		return fmt.Errorf("%w: provisional %d: %w", ErrSignalingFailure, code, err)
	}
	return nil
}

// Resume sends final response and forgets transaction.
// Second resume of same token returns ErrNotSuspended.
func (t *transactionTable) Resume(token string, code sip.StatusCode, reason string, body []byte) error {
	t.mu.Lock()
	s, ok := t.txs[token]
	delete(t.txs, token)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: token=%s", ErrNotSuspended, token)
	}

	if t.onResume != nil {
		t.onResume(code)
	}
	res := buildResponse(s.req, code, reason, body, s.localTag, t.contact)
	if err := s.tx.Respond(res); err != nil {
		return fmt.Errorf("%w: resume %d: %w", ErrSignalingFailure, code, err)
	}
	return nil
}

// Abandon forgets transaction without answering. Used when transaction layer already terminated it.
func (t *transactionTable) Abandon(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.txs[token]
	delete(t.txs, token)
	return ok
}

func (t *transactionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.txs)
}

// buildResponse creates response with our To tag. 2xx carries our Contact.
func buildResponse(req *sip.Request, code sip.StatusCode, reason string, body []byte, localTag string, contact sip.Uri) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if code > 100 && localTag != "" {
		// Replaces the random tag the stack puts on every non-100 response.
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params.Add("tag", localTag)
		}
	}
	if code >= 200 && code < 300 && contact.Host != "" {
		res.AppendHeader(&sip.ContactHeader{Address: contact})
	}
	if len(body) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
	}
	return res
}
