// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/emiago/callbridge/media"
	"github.com/emiago/callbridge/media/sdp"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Signal tells caller of entry point whether request processing should go on
type Signal int

const (
	SignalContinue Signal = iota
	SignalDrop
)

func (s Signal) String() string {
	if s == SignalDrop {
		return "drop"
	}
	return "continue"
}

// MediaEngine drives RTP sessions. Methods are called only from orchestrator goroutine.
// media.Engine implements it.
type MediaEngine interface {
	CreateSession(desc media.Descriptor) (media.SessionID, error)
	DestroySession(id media.SessionID) error
	StartPlayback(id media.SessionID, file string, onDone func(err error)) error
	StopPlayback(id media.SessionID) error
	StartRelay(a media.SessionID, b media.SessionID) error
	StopRelay(a media.SessionID, b media.SessionID) error
	UpdateRemote(id media.SessionID, raddr netip.AddrPort) error
}

// Routes are default continuation routes
type Routes struct {
	Answer string
	Bridge string
}

// Controller answers and bridges calls. Entry points are safe for concurrent use,
// all side effects on media and outbound signaling are done by Run.
type Controller struct {
	reg     *Registry
	engine  MediaEngine
	out     Outbound
	router  RouteRunner
	ports   *media.PortAllocator
	txs     *transactionTable
	metrics *Metrics
	log     zerolog.Logger

	mediaIP netip.Addr
	contact sip.Uri
	routes  Routes

	interval      time.Duration
	terminatedTTL time.Duration
	byeTimeout    time.Duration
	bridgeTimeout time.Duration
}

type ControllerOption func(c *Controller)

func WithLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.log = l
	}
}

func WithRouter(r RouteRunner) ControllerOption {
	return func(c *Controller) {
		c.router = r
	}
}

func WithPorts(p *media.PortAllocator) ControllerOption {
	return func(c *Controller) {
		c.ports = p
	}
}

// WithMediaIP sets IP used in SDP and for binding media sessions
func WithMediaIP(ip netip.Addr) ControllerOption {
	return func(c *Controller) {
		c.mediaIP = ip
	}
}

// WithContact sets Contact used in responses and outbound requests
func WithContact(uri sip.Uri) ControllerOption {
	return func(c *Controller) {
		c.contact = uri
	}
}

func WithDefaultRoutes(r Routes) ControllerOption {
	return func(c *Controller) {
		c.routes = r
	}
}

func WithInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.interval = d
	}
}

// WithTerminatedTTL sets how long terminated dialog is kept to answer retransmissions
func WithTerminatedTTL(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.terminatedTTL = d
	}
}

// WithByeTimeout sets how long media waits for BYE to complete
func WithByeTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.byeTimeout = d
	}
}

// WithBridgeTimeout cancels unanswered bridge INVITE after d. Zero waits for transaction layer.
func WithBridgeTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.bridgeTimeout = d
	}
}

func WithMetrics(m *Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// New creates controller. Registry, engine, outbound and port allocator are required.
func New(reg *Registry, engine MediaEngine, out Outbound, opts ...ControllerOption) (*Controller, error) {
	c := &Controller{
		reg:           reg,
		engine:        engine,
		out:           out,
		log:           log.Logger,
		mediaIP:       netip.AddrFrom4([4]byte{127, 0, 0, 1}),
		contact:       sip.Uri{Scheme: "sip", User: "callbridge", Host: "127.0.0.1", Port: 5060},
		interval:      20 * time.Millisecond,
		terminatedTTL: 32 * time.Second,
		byeTimeout:    5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}

	switch {
	case reg == nil:
		return nil, fmt.Errorf("%w: registry is required", ErrAllocationFailure)
	case engine == nil:
		return nil, fmt.Errorf("%w: media engine is required", ErrMediaFailure)
	case out == nil:
		return nil, fmt.Errorf("%w: outbound is required", ErrSignalingFailure)
	case c.ports == nil:
		return nil, fmt.Errorf("%w: port allocator is required", ErrAllocationFailure)
	case c.interval <= 0:
		return nil, fmt.Errorf("controller: interval must be positive")
	}

	c.txs = newTransactionTable(c.contact)
	c.txs.onResume = c.metrics.resume
	return c, nil
}

// SetRouter sets route runner. Must be called before Run.
func (c *Controller) SetRouter(r RouteRunner) {
	c.router = r
}

// Registry returns registry controller works on
func (c *Controller) Registry() *Registry {
	return c.reg
}

func (c *Controller) newDialog(callID string, localTag string) *Dialog {
	return newDialog(callID, localTag, c.log, c.metrics.transition)
}

// publish adds dialog to registry. Caller must hold registry lock.
func (c *Controller) publish(d *Dialog) Handle {
	h := c.reg.add(d)
	c.metrics.created()
	return h
}

// newInboundDialog creates dialog answering request. From is remote side.
func (c *Controller) newInboundDialog(req *sip.Request) *Dialog {
	callID, fromTag, _ := dialogIDs(req)
	d := c.newDialog(callID, newTag())
	d.remoteTag = fromTag
	if to := req.To(); to != nil {
		d.LocalURI = to.Address
	}
	if from := req.From(); from != nil {
		d.RemoteURI = from.Address
	}
	if contact := req.Contact(); contact != nil {
		d.contact = contact.Address
	}
	d.invite = req
	return d
}

func (c *Controller) newOutboundDialog(target sip.Uri, caller sip.Uri) *Dialog {
	d := c.newDialog(newCallID(), newTag())
	d.Outbound = true
	d.RemoteURI = target
	d.LocalURI = sip.Uri{
		Scheme: "sip",
		User:   caller.User,
		Host:   c.contact.Host,
		Port:   c.contact.Port,
	}
	d.contact = target
	return d
}

func (c *Controller) allocateLocal() netip.AddrPort {
	return netip.AddrPortFrom(c.mediaIP, uint16(c.ports.NextPort()))
}

// negotiateOffer parses SDP offer and selects codec
func negotiateOffer(body []byte) (sdp.Audio, media.Codec, error) {
	offer, err := sdp.ParseAudio(body)
	if err != nil {
		return offer, media.Codec{}, err
	}
	codec, err := media.NegotiateCodec(offer.PayloadTypes(), media.SupportedCodecs)
	if err != nil {
		return offer, media.Codec{}, err
	}
	return offer, codec, nil
}

// respond answers request outside of suspension. No transaction means nothing to answer.
func (c *Controller) respond(req *sip.Request, tx ServerTx, code sip.StatusCode, reason string, localTag string, body []byte) {
	if tx == nil {
		return
	}
	res := buildResponse(req, code, reason, body, localTag, c.contact)
	if err := tx.Respond(res); err != nil {
		c.log.Info().Err(err).Int("status", int(code)).Msg("Failed to respond")
	}
}

// resume answers suspended transaction. Missing token is normal when other path already answered.
func (c *Controller) resume(token string, code sip.StatusCode, reason string, body []byte) {
	if token == "" {
		return
	}
	if err := c.txs.Resume(token, code, reason, body); err != nil {
		if errors.Is(err, ErrNotSuspended) {
			c.log.Debug().Err(err).Msg("Transaction already answered")
			return
		}
		c.log.Error().Err(err).Int("status", int(code)).Msg("Failed to resume transaction")
	}
}

// claimToken takes dialog pending token. Whoever claims it must resume.
// Caller must hold registry lock.
func claimToken(d *Dialog) string {
	token := d.pendingToken
	d.pendingToken = ""
	return token
}

// enqueue adds action to dialog referenced by handle
func (c *Controller) enqueue(h Handle, a *Action) bool {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	d, err := c.reg.get(h)
	if err != nil {
		return false
	}
	return c.reg.enqueue(d, a)
}

func (c *Controller) runRoute(ctx context.Context, d *Dialog, route string, fallback string) bool {
	name := route
	if name == "" {
		name = fallback
	}
	if name == "" || c.router == nil {
		return false
	}
	call := &Call{
		Request: d.invite,
		Handle:  d.handle,
		CallID:  d.CallID,
	}
	d.log.Debug().Str("route", name).Msg("Running route")
	c.router.RunRoute(ctx, name, call)
	return true
}

// statusForError maps failure to response code
func statusForError(err error) (sip.StatusCode, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return sip.StatusRequestTimeout, "Request Timeout"
	case errors.Is(err, context.Canceled):
		return sip.StatusRequestTerminated, "Request Terminated"
	case errors.Is(err, media.ErrNoCodec), errors.Is(err, sdp.ErrNoAudio), errors.Is(err, sdp.ErrNoConnection):
		return sip.StatusNotAcceptableHere, "Not Acceptable Here"
	case errors.Is(err, ErrSignalingFailure):
		return sip.StatusServiceUnavailable, "Service Unavailable"
	}
	return sip.StatusInternalServerError, "Server Internal Error"
}

// answerMode mirrors offered direction
func answerMode(offered sdp.Mode) sdp.Mode {
	switch offered {
	case sdp.ModeSendonly:
		return sdp.ModeRecvonly
	case sdp.ModeRecvonly:
		return sdp.ModeSendonly
	case sdp.ModeInactive:
		return sdp.ModeInactive
	}
	return sdp.ModeSendrecv
}

func localSDP(desc media.Descriptor, mode sdp.Mode) ([]byte, error) {
	if mode == "" {
		mode = sdp.ModeSendrecv
	}
	return sdp.GenerateForAudio(desc.Local.Addr(), desc.Local, mode, []sdp.Format{desc.Codec.SDPFormat()})
}

func newCallID() string {
	return uuid.NewString()
}
