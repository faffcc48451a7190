// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/emiago/callbridge/media"
	"github.com/emiago/callbridge/media/sdp"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (tx *fakeTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.responses = append(tx.responses, res)
	return nil
}

func (tx *fakeTx) codes() []int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	codes := make([]int, len(tx.responses))
	for i, r := range tx.responses {
		codes[i] = int(r.StatusCode)
	}
	return codes
}

// finals returns final responses only
func (tx *fakeTx) finals() []*sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	var res []*sip.Response
	for _, r := range tx.responses {
		if r.StatusCode >= 200 {
			res = append(res, r)
		}
	}
	return res
}

type fakeEngine struct {
	mu        sync.Mutex
	nextID    media.SessionID
	sessions  map[media.SessionID]media.Descriptor
	created   int
	destroyed []media.SessionID
	relays    [][2]media.SessionID
	playbacks map[media.SessionID]func(err error)
	remotes   map[media.SessionID]netip.AddrPort

	createErr error
	relayErr  error
	playErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sessions:  make(map[media.SessionID]media.Descriptor),
		playbacks: make(map[media.SessionID]func(err error)),
		remotes:   make(map[media.SessionID]netip.AddrPort),
	}
}

func (e *fakeEngine) CreateSession(desc media.Descriptor) (media.SessionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return 0, e.createErr
	}
	e.nextID++
	e.created++
	e.sessions[e.nextID] = desc
	return e.nextID, nil
}

func (e *fakeEngine) DestroySession(id media.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[id]; !ok {
		return media.ErrUnknownSession
	}
	delete(e.sessions, id)
	delete(e.playbacks, id)
	e.destroyed = append(e.destroyed, id)
	return nil
}

func (e *fakeEngine) StartPlayback(id media.SessionID, file string, onDone func(err error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playErr != nil {
		return e.playErr
	}
	if _, ok := e.sessions[id]; !ok {
		return media.ErrUnknownSession
	}
	e.playbacks[id] = onDone
	return nil
}

func (e *fakeEngine) StopPlayback(id media.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.playbacks, id)
	return nil
}

func (e *fakeEngine) StartRelay(a media.SessionID, b media.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relayErr != nil {
		return e.relayErr
	}
	e.relays = append(e.relays, [2]media.SessionID{a, b})
	return nil
}

func (e *fakeEngine) StopRelay(a media.SessionID, b media.SessionID) error {
	return nil
}

func (e *fakeEngine) UpdateRemote(id media.SessionID, raddr netip.AddrPort) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remotes[id] = raddr
	return nil
}

// finishPlayback simulates engine completing playback
func (e *fakeEngine) finishPlayback(id media.SessionID) bool {
	e.mu.Lock()
	onDone, ok := e.playbacks[id]
	delete(e.playbacks, id)
	e.mu.Unlock()
	if ok {
		onDone(nil)
	}
	return ok
}

func (e *fakeEngine) destroyedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.destroyed)
}

type sentRequest struct {
	req        *sip.Request
	onResponse ResponseFunc
}

type fakeOutbound struct {
	mu       sync.Mutex
	sent     []sentRequest
	written  []*sip.Request
	canceled []string
	sendErr  error
}

func (o *fakeOutbound) Send(ctx context.Context, req *sip.Request, onResponse ResponseFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sendErr != nil {
		return o.sendErr
	}
	o.sent = append(o.sent, sentRequest{req: req, onResponse: onResponse})
	return nil
}

func (o *fakeOutbound) Write(req *sip.Request) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.written = append(o.written, req)
	return nil
}

func (o *fakeOutbound) Cancel(callID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.canceled = append(o.canceled, callID)
	return nil
}

func (o *fakeOutbound) requests(method sip.RequestMethod) []sentRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	var res []sentRequest
	for _, s := range o.sent {
		if s.req.Method == method {
			res = append(res, s)
		}
	}
	return res
}

// answer replies on sent request as remote side
func (o *fakeOutbound) answer(t testing.TB, s sentRequest, code sip.StatusCode, body []byte) {
	t.Helper()
	res := sip.NewResponseFromRequest(s.req, code, "", body)
	if code > 100 {
		to := res.To()
		require.NotNil(t, to)
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", "remote-b")
		res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060}})
	}
	s.onResponse(res, nil)
}

type routeCall struct {
	name string
	call *Call
}

type routeRecorder struct {
	mu    sync.Mutex
	calls []routeCall
}

func (r *routeRecorder) RunRoute(ctx context.Context, name string, call *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, routeCall{name: name, call: call})
}

func (r *routeRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.calls))
	for i, c := range r.calls {
		names[i] = c.name
	}
	return names
}

type testEnv struct {
	c      *Controller
	engine *fakeEngine
	out    *fakeOutbound
	routes *routeRecorder
	ports  *media.PortAllocator
}

func newTestEnv(t testing.TB, opts ...ControllerOption) *testEnv {
	t.Helper()
	ports, err := media.NewPortAllocator(20000, 20099)
	require.NoError(t, err)
	env := &testEnv{
		engine: newFakeEngine(),
		out:    &fakeOutbound{},
		routes: &routeRecorder{},
		ports:  ports,
	}
	opts = append([]ControllerOption{
		WithPorts(ports),
		WithRouter(env.routes),
		WithLogger(zerolog.Nop()),
	}, opts...)
	c, err := New(NewRegistry(), env.engine, env.out, opts...)
	require.NoError(t, err)
	env.c = c
	return env
}

func (env *testEnv) step() {
	env.c.step(context.Background())
}

func testOffer(t testing.TB, port uint16, codecs ...media.Codec) []byte {
	t.Helper()
	if len(codecs) == 0 {
		codecs = []media.Codec{media.CodecAudioUlaw, media.CodecAudioAlaw}
	}
	formats := make([]sdp.Format, len(codecs))
	for i, c := range codecs {
		formats[i] = c.SDPFormat()
	}
	addr := netip.MustParseAddr("10.0.0.1")
	body, err := sdp.GenerateForAudio(addr, netip.AddrPortFrom(addr, port), sdp.ModeSendrecv, formats)
	require.NoError(t, err)
	return body
}

func newTestInvite(t testing.TB, callID string, fromTag string, body []byte) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "1000", Host: "127.0.0.1", Port: 5060})
	fromParams := sip.NewParams()
	fromParams.Add("tag", fromTag)
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1"}, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "1000", Host: "127.0.0.1"}, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1", Port: 5060}})
	if body != nil {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	return req
}

// newTestInDialog creates request sent by caller inside dialog established by invite
func newTestInDialog(t testing.TB, invite *sip.Request, method sip.RequestMethod, localTag string, seq uint32) *sip.Request {
	t.Helper()
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "callbridge", Host: "127.0.0.1", Port: 5060})
	sip.CopyHeaders("From", invite, req)
	toParams := sip.NewParams()
	if localTag != "" {
		toParams.Add("tag", localTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: invite.To().Address, Params: toParams})
	sip.CopyHeaders("Call-ID", invite, req)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	return req
}

// answerCall runs inbound call to Connected state
func (env *testEnv) answerCall(t testing.TB, callID string) (*sip.Request, *fakeTx, Handle) {
	t.Helper()
	invite := newTestInvite(t, callID, "tag-"+callID, testOffer(t, 30000))
	tx := &fakeTx{}
	require.Equal(t, SignalContinue, env.c.Answer(invite, tx, ""))
	env.step()

	_, h, ok := env.c.reg.Find(callID, "tag-"+callID)
	require.True(t, ok)
	snap, err := env.c.reg.Snapshot(h)
	require.NoError(t, err)
	require.Equal(t, DialogStateConnected, snap.State)
	return invite, tx, h
}

func localTagOf(t testing.TB, reg *Registry, h Handle) string {
	t.Helper()
	snap, err := reg.Snapshot(h)
	require.NoError(t, err)
	return snap.LocalTag
}

var errFake = errors.New("fake failure")
