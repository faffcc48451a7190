// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package registrar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StatusIntervalTooBrief sip.StatusCode = 423

	DefaultExpires = 3600
)

var ErrNotRegistered = errors.New("user not registered")

// ServerTx is server transaction responses are written to. sip.ServerTransaction satisfies it.
type ServerTx interface {
	Respond(res *sip.Response) error
}

// Registrar handles REGISTER requests for single domain.
// Address of record is identified by user part of To uri.
type Registrar struct {
	store *LocationStore
	auth  *DigestAuthServer
	log   zerolog.Logger
}

type Option func(r *Registrar)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registrar) {
		r.log = l
	}
}

// WithDigestAuth requires REGISTER to be authorized
func WithDigestAuth(auth *DigestAuthServer) Option {
	return func(r *Registrar) {
		r.auth = auth
	}
}

func New(store *LocationStore, opts ...Option) *Registrar {
	r := &Registrar{
		store: store,
		log:   log.Logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registrar) Store() *LocationStore {
	return r.store
}

// HandleRegister processes REGISTER request and always responds on tx unless writing fails
func (r *Registrar) HandleRegister(req *sip.Request, tx ServerTx) error {
	to := req.To()
	if to == nil {
		return r.respond(tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing To header", nil))
	}
	aor := aorKey(to.Address)
	if aor == "" {
		return r.respond(tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing user in To", nil))
	}
	log := r.log.With().Str("aor", aor).Str("source", req.Source()).Logger()

	if r.auth != nil {
		res, err := r.auth.AuthorizeRequest(req)
		if err != nil {
			if !errors.Is(err, ErrDigestAuthChallenged) {
				log.Info().Err(err).Msg("REGISTER authorization failed")
			}
			return r.respond(tx, res)
		}
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	var cseq uint32
	if h := req.CSeq(); h != nil {
		cseq = h.SeqNo
	}

	contacts := req.GetHeaders("Contact")

	// Contact: * must be alone and with Expires 0
	for _, h := range contacts {
		if !isWildcard(h) {
			continue
		}
		if len(contacts) > 1 {
			return r.respond(tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Contact: * must not be combined with other Contact headers", nil))
		}
		if expires(req, nil) != 0 {
			return r.respond(tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Expires must be 0 for Contact: *", nil))
		}
		r.store.UnregisterAll(aor)
		log.Info().Msg("All bindings removed")
		return r.respondBindings(tx, req, aor)
	}

	// No contacts is query
	if len(contacts) == 0 {
		return r.respondBindings(tx, req, aor)
	}

	for _, h := range contacts {
		c, ok := h.(*sip.ContactHeader)
		if !ok {
			log.Debug().Str("contact", h.Value()).Msg("Skipping invalid contact header")
			continue
		}

		exp := expires(req, c)
		if exp == 0 {
			r.store.Unregister(aor, c.Address)
			log.Info().Str("contact", c.Address.String()).Msg("Binding removed")
			continue
		}

		b, err := r.store.Register(Binding{
			AOR:     aor,
			Contact: *c.Address.Clone(),
			Source:  req.Source(),
			CallID:  callID,
			CSeq:    cseq,
		}, exp)
		if err != nil {
			if errors.Is(err, ErrIntervalTooBrief) {
				res := sip.NewResponseFromRequest(req, StatusIntervalTooBrief, "Interval Too Brief", nil)
				res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(r.store.MinExpires())))
				return r.respond(tx, res)
			}
			log.Error().Err(err).Msg("Registration failed")
			return r.respond(tx, sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", nil))
		}
		log.Info().Str("contact", b.Contact.String()).Time("expires", b.Expires).Msg("Binding registered")
	}

	return r.respondBindings(tx, req, aor)
}

// respondBindings responds 200 OK listing all current bindings of aor
func (r *Registrar) respondBindings(tx ServerTx, req *sip.Request, aor string) error {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	now := r.store.now()
	res.AppendHeader(sip.NewHeader("Date", now.UTC().Format(time.RFC1123)))
	for _, b := range r.store.Lookup(aor) {
		ch := &sip.ContactHeader{
			Address: *b.Contact.Clone(),
			Params:  sip.NewParams(),
		}
		ch.Params.Add("expires", strconv.Itoa(b.ExpiresIn(now)))
		res.AppendHeader(ch)
	}
	return r.respond(tx, res)
}

func (r *Registrar) respond(tx ServerTx, res *sip.Response) error {
	if err := tx.Respond(res); err != nil {
		r.log.Error().Err(err).Int("status", int(res.StatusCode)).Msg("Failed to send REGISTER response")
		return err
	}
	return nil
}

// Lookup returns contact of most recent binding of aor.
// Aor can be full uri, user@host or only user.
func (r *Registrar) Lookup(aor string) (sip.Uri, error) {
	key := aor
	var uri sip.Uri
	if strings.Contains(aor, "@") || strings.HasPrefix(aor, "sip:") {
		s := aor
		if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") {
			s = "sip:" + s
		}
		if err := sip.ParseUri(s, &uri); err != nil {
			return sip.Uri{}, fmt.Errorf("bad aor %q: %w", aor, err)
		}
		key = aorKey(uri)
	}

	bindings := r.store.Lookup(strings.ToLower(key))
	if len(bindings) == 0 {
		return sip.Uri{}, fmt.Errorf("%w: %s", ErrNotRegistered, aor)
	}
	return bindings[0].Contact, nil
}

// expires reads expiration in priority contact param, Expires header, default
func expires(req *sip.Request, contact *sip.ContactHeader) int {
	if contact != nil && contact.Params != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(v); err == nil && exp >= 0 {
				return exp
			}
		}
	}

	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && exp >= 0 {
			return exp
		}
	}
	return DefaultExpires
}

func isWildcard(h sip.Header) bool {
	if c, ok := h.(*sip.ContactHeader); ok && c.Address.String() == "*" {
		return true
	}
	return strings.TrimSpace(h.Value()) == "*"
}

func aorKey(uri sip.Uri) string {
	return strings.ToLower(uri.User)
}
