// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// dialogIDs extracts call id and both tags of request
func dialogIDs(req *sip.Request) (callID string, fromTag string, toTag string) {
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	if from := req.From(); from != nil {
		fromTag, _ = from.Params.Get("tag")
	}
	if to := req.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}
	return callID, fromTag, toTag
}

// buildInvite creates initial INVITE of outbound leg. Caller must hold registry lock.
func buildInvite(d *Dialog, contact sip.Uri, body []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, d.RemoteURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.LocalTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: d.LocalURI,
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: d.RemoteURI,
		Params:  sip.NewParams(),
	})

	callID := sip.CallIDHeader(d.CallID)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.nextCSeq(),
		MethodName: sip.INVITE,
	})
	invite.AppendHeader(&sip.ContactHeader{Address: contact})

	if len(body) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		invite.AppendHeader(&ct)
		invite.SetBody(body)
	}
	return invite
}

// buildInDialog creates request within established dialog. From is always our side.
// Caller must hold registry lock.
func buildInDialog(d *Dialog, method sip.RequestMethod, contact sip.Uri, body []byte) *sip.Request {
	recipient := d.contact
	if recipient.Host == "" {
		recipient = d.RemoteURI
	}
	req := sip.NewRequest(method, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.LocalTag)
	req.AppendHeader(&sip.FromHeader{
		Address: d.LocalURI,
		Params:  fromParams,
	})
	toParams := sip.NewParams()
	if d.remoteTag != "" {
		toParams.Add("tag", d.remoteTag)
	}
	req.AppendHeader(&sip.ToHeader{
		Address: d.RemoteURI,
		Params:  toParams,
	})

	callID := sip.CallIDHeader(d.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.nextCSeq(),
		MethodName: method,
	})
	req.AppendHeader(&sip.ContactHeader{Address: contact})

	if len(body) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	return req
}

// buildAck creates ACK for 2xx. It is new request sent to remote target from response Contact.
func buildAck(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, recipient)

	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := res.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.ACK,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if src := res.Source(); src != "" {
		ack.SetDestination(src)
	}
	return ack
}

// buildCancel creates CANCEL matching INVITE transaction
func buildCancel(invite *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)

	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	return cancelReq
}

// parseTarget accepts full sip uri or plain user@host
func parseTarget(target string) (sip.Uri, error) {
	var uri sip.Uri
	if target == "" {
		return uri, fmt.Errorf("%w: empty bridge target", ErrSignalingFailure)
	}
	s := target
	if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") {
		s = "sip:" + s
	}
	if err := sip.ParseUri(s, &uri); err != nil {
		return uri, fmt.Errorf("%w: bad target %q: %w", ErrSignalingFailure, target, err)
	}
	return uri, nil
}
