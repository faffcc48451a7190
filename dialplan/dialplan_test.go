// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package dialplan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/emiago/callbridge"
	"github.com/emiago/sipgo/sip"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	codes []sip.StatusCode
}

func (tx *fakeTx) Respond(res *sip.Response) error {
	tx.codes = append(tx.codes, res.StatusCode)
	return nil
}

// fakeController records entry point calls as "<op> <arg> -> <continuation>"
type fakeController struct {
	calls []string
	sig   callbridge.Signal
}

func (c *fakeController) Answer(req *sip.Request, tx callbridge.ServerTx, route string) callbridge.Signal {
	c.calls = append(c.calls, "answer -> "+route)
	return c.sig
}

func (c *fakeController) Bridge(req *sip.Request, tx callbridge.ServerTx, target string, route string) callbridge.Signal {
	c.calls = append(c.calls, "bridge "+target+" -> "+route)
	return c.sig
}

func (c *fakeController) Play(req *sip.Request, file string, route string) callbridge.Signal {
	c.calls = append(c.calls, "play "+file+" -> "+route)
	return c.sig
}

func (c *fakeController) Hangup(req *sip.Request, tx callbridge.ServerTx) callbridge.Signal {
	c.calls = append(c.calls, "hangup")
	return c.sig
}

type fakeResolver map[string]sip.Uri

func (r fakeResolver) Lookup(aor string) (sip.Uri, error) {
	uri, ok := r[aor]
	if !ok {
		return sip.Uri{}, errors.New("not registered")
	}
	return uri, nil
}

func testInvite(t testing.TB, user string) *sip.Request {
	msg, err := sip.ParseMessage([]byte(strings.Join([]string{
		"INVITE sip:" + user + "@pbx.local SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=" + sip.GenerateBranch(),
		"From: <sip:alice@10.0.0.1>;tag=from-alice",
		"To: <sip:" + user + "@pbx.local>",
		"Call-ID: call-" + user,
		"CSeq: 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")))
	require.NoError(t, err)
	return msg.(*sip.Request)
}

func TestParseStep(t *testing.T) {
	step, err := ParseStep("play  /tmp/hello.wav")
	require.NoError(t, err)
	assert.Equal(t, Step{Kind: StepPlay, Arg: "/tmp/hello.wav"}, step)

	step, err = ParseStep("ANSWER")
	require.NoError(t, err)
	assert.Equal(t, Step{Kind: StepAnswer}, step)

	for _, bad := range []string{"", "dance", "play", "bridge", "hangup now"} {
		_, err := ParseStep(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompile(t *testing.T) {
	_, err := Compile(map[string][]string{"r": {"answer", "jump"}}, nil)
	require.Error(t, err)

	_, err = Compile(map[string][]string{"r": {"answer"}}, []Rule{{Pattern: "1*", Route: "missing"}})
	require.ErrorIs(t, err, ErrNoRoute)

	_, err = Compile(map[string][]string{"r": {"play hello.wav"}}, []Rule{{Pattern: "1*", Route: "r"}})
	require.Error(t, err)

	_, err = Compile(map[string][]string{"r#1": {"answer"}}, nil)
	require.Error(t, err)

	// Continuation routes may start with anything
	_, err = Compile(map[string][]string{"entry": {"answer"}, "after": {"play bye.wav", "hangup"}}, []Rule{{Pattern: "*", Route: "entry"}})
	require.NoError(t, err)
}

func TestPlanMatch(t *testing.T) {
	plan, err := Compile(
		map[string][]string{"ivr": {"answer"}, "local": {"bridge ${user}"}, "any": {"answer"}},
		[]Rule{
			{Pattern: "*", Route: "any", Priority: 10},
			{Pattern: "1*", Route: "local", Priority: 1},
			{Pattern: "100", Route: "ivr", Priority: 0},
		},
	)
	require.NoError(t, err)

	for user, want := range map[string]string{"100": "ivr", "1001": "local", "200": "any", "": "any"} {
		r, ok := plan.Match(user)
		require.True(t, ok, user)
		assert.Equal(t, want, r.Name, user)
	}

	plan, err = Compile(map[string][]string{"ivr": {"answer"}}, []Rule{{Pattern: "100", Route: "ivr"}})
	require.NoError(t, err)
	_, ok := plan.Match("101")
	assert.False(t, ok)
}

func TestRunnerRoute(t *testing.T) {
	plan, err := Compile(map[string][]string{
		"ivr": {"answer", "play /tmp/hello.wav", "bridge ${user}", "hangup"},
	}, []Rule{{Pattern: "1*", Route: "ivr"}})
	require.NoError(t, err)

	ctl := &fakeController{sig: callbridge.SignalContinue}
	res := fakeResolver{"1001": sip.Uri{Scheme: "sip", User: "1001", Host: "10.0.0.9", Port: 5062}}
	r := NewRunner(plan, ctl, WithResolver(res), WithRunnerLogger(zerolog.Nop()))

	req := testInvite(t, "1001")
	tx := &fakeTx{}
	assert.Equal(t, callbridge.SignalContinue, r.HandleInvite(req, tx))
	assert.Empty(t, tx.codes)

	call := &callbridge.Call{Request: req, CallID: "call-1001"}
	r.RunRoute(context.Background(), "ivr#1", call)
	r.RunRoute(context.Background(), "ivr#2", call)
	r.RunRoute(context.Background(), "ivr#3", call)

	want := []string{
		"answer -> ivr#1",
		"play /tmp/hello.wav -> ivr#2",
		"bridge sip:1001@10.0.0.9:5062 -> ivr#3",
		"hangup",
	}
	if diff := cmp.Diff(want, ctl.calls); diff != "" {
		t.Fatalf("unexpected calls (-want +got):\n%s", diff)
	}
}

func TestRunnerLastStepFinishesRoute(t *testing.T) {
	plan, err := Compile(map[string][]string{
		"echo":  {"answer"},
		"after": {"answer", "play bye.wav"},
	}, []Rule{{Pattern: "*", Route: "echo"}})
	require.NoError(t, err)

	ctl := &fakeController{sig: callbridge.SignalContinue}
	r := NewRunner(plan, ctl, WithRunnerLogger(zerolog.Nop()))

	req := testInvite(t, "500")
	r.HandleInvite(req, &fakeTx{})
	// Answer is skipped on answered call
	r.RunRoute(context.Background(), "after", &callbridge.Call{Request: req})

	assert.Equal(t, []string{"answer -> ", "play bye.wav -> "}, ctl.calls)
}

func TestRunnerRejects(t *testing.T) {
	plan, err := Compile(map[string][]string{
		"local": {"bridge ${user}"},
	}, []Rule{{Pattern: "1*", Route: "local"}})
	require.NoError(t, err)

	ctl := &fakeController{sig: callbridge.SignalContinue}
	r := NewRunner(plan, ctl, WithResolver(fakeResolver{}), WithRunnerLogger(zerolog.Nop()))

	t.Run("NoRoute", func(t *testing.T) {
		tx := &fakeTx{}
		assert.Equal(t, callbridge.SignalDrop, r.HandleInvite(testInvite(t, "200"), tx))
		assert.Equal(t, []sip.StatusCode{sip.StatusNotFound}, tx.codes)
	})

	t.Run("NotRegistered", func(t *testing.T) {
		tx := &fakeTx{}
		assert.Equal(t, callbridge.SignalDrop, r.HandleInvite(testInvite(t, "1001"), tx))
		assert.Equal(t, []sip.StatusCode{sip.StatusNotFound}, tx.codes)
	})

	t.Run("BadContinuation", func(t *testing.T) {
		call := &callbridge.Call{Request: testInvite(t, "1001")}
		r.RunRoute(context.Background(), "missing", call)
		r.RunRoute(context.Background(), "local#x", call)
		r.RunRoute(context.Background(), "local#5", call)
		assert.Equal(t, []string{"hangup", "hangup", "hangup"}, ctl.calls)
	})
	assert.NotContains(t, ctl.calls, "bridge")
}
