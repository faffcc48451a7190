// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package registrar

import (
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	responses []*sip.Response
}

func (tx *fakeTx) Respond(res *sip.Response) error {
	tx.responses = append(tx.responses, res)
	return nil
}

func (tx *fakeTx) last(t *testing.T) *sip.Response {
	require.NotEmpty(t, tx.responses)
	return tx.responses[len(tx.responses)-1]
}

func testCreateMessage(t testing.TB, rawMsg []string) sip.Message {
	msg, err := sip.ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func testRegister(t testing.TB, user string, extra ...string) *sip.Request {
	lines := []string{
		"REGISTER sip:pbx.local SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.5:5060;branch=" + sip.GenerateBranch(),
		"From: <sip:" + user + "@pbx.local>;tag=reg-" + user,
		"To: <sip:" + user + "@pbx.local>",
		"Call-ID: reg-" + user,
		"CSeq: 1 REGISTER",
	}
	lines = append(lines, extra...)
	lines = append(lines, "Content-Length: 0", "", "")
	return testCreateMessage(t, lines).(*sip.Request)
}

func newTestRegistrar(minExpires int, opts ...Option) *Registrar {
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	return New(NewLocationStore(minExpires, 7200), opts...)
}

func contactExpires(t *testing.T, res *sip.Response) map[string]string {
	out := map[string]string{}
	for _, h := range res.GetHeaders("Contact") {
		c, ok := h.(*sip.ContactHeader)
		require.True(t, ok)
		v, _ := c.Params.Get("expires")
		out[c.Address.Host] = v
	}
	return out
}

func TestRegistrarRegister(t *testing.T) {
	r := newTestRegistrar(60)
	tx := &fakeTx{}

	req := testRegister(t, "alice", "Contact: <sip:alice@10.0.0.5:5060>")
	require.NoError(t, r.HandleRegister(req, tx))

	res := tx.last(t)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
	assert.NotNil(t, res.GetHeader("Date"))
	assert.Equal(t, map[string]string{"10.0.0.5": "3600"}, contactExpires(t, res))

	uri, err := r.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", uri.Host)
	assert.Equal(t, 5060, uri.Port)

	uri, err = r.Lookup("sip:Alice@pbx.local")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", uri.Host)

	_, err = r.Lookup("bob")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistrarExpiresPriority(t *testing.T) {
	r := newTestRegistrar(60)
	tx := &fakeTx{}

	req := testRegister(t, "alice",
		"Contact: <sip:alice@10.0.0.5:5060>;expires=120",
		"Contact: <sip:alice@10.0.0.6:5060>",
		"Expires: 300",
	)
	require.NoError(t, r.HandleRegister(req, tx))
	assert.Equal(t, map[string]string{"10.0.0.5": "120", "10.0.0.6": "300"}, contactExpires(t, tx.last(t)))

	// Max is clamped
	req = testRegister(t, "bob", "Contact: <sip:bob@10.0.0.7:5060>", "Expires: 100000")
	require.NoError(t, r.HandleRegister(req, tx))
	assert.Equal(t, map[string]string{"10.0.0.7": "7200"}, contactExpires(t, tx.last(t)))
}

func TestRegistrarIntervalTooBrief(t *testing.T) {
	r := newTestRegistrar(60)
	tx := &fakeTx{}

	req := testRegister(t, "alice", "Contact: <sip:alice@10.0.0.5:5060>", "Expires: 30")
	require.NoError(t, r.HandleRegister(req, tx))

	res := tx.last(t)
	assert.Equal(t, StatusIntervalTooBrief, res.StatusCode)
	h := res.GetHeader("Min-Expires")
	require.NotNil(t, h)
	assert.Equal(t, "60", h.Value())
	assert.Equal(t, 0, r.Store().Len())
}

func TestRegistrarUnregister(t *testing.T) {
	r := newTestRegistrar(60)
	tx := &fakeTx{}

	require.NoError(t, r.HandleRegister(testRegister(t, "alice",
		"Contact: <sip:alice@10.0.0.5:5060>",
		"Contact: <sip:alice@10.0.0.6:5060>",
	), tx))
	require.Equal(t, 2, r.Store().Len())

	require.NoError(t, r.HandleRegister(testRegister(t, "alice", "Contact: <sip:alice@10.0.0.5:5060>;expires=0"), tx))
	assert.Equal(t, sip.StatusOK, tx.last(t).StatusCode)
	assert.Equal(t, map[string]string{"10.0.0.6": "3600"}, contactExpires(t, tx.last(t)))

	// Query lists what is left
	require.NoError(t, r.HandleRegister(testRegister(t, "alice"), tx))
	assert.Equal(t, map[string]string{"10.0.0.6": "3600"}, contactExpires(t, tx.last(t)))
}

func TestRegistrarWildcard(t *testing.T) {
	r := newTestRegistrar(60)
	tx := &fakeTx{}

	require.NoError(t, r.HandleRegister(testRegister(t, "alice", "Contact: <sip:alice@10.0.0.5:5060>"), tx))

	t.Run("NotAlone", func(t *testing.T) {
		req := testRegister(t, "alice", "Contact: <sip:alice@10.0.0.6:5060>", "Expires: 0")
		req.AppendHeader(sip.NewHeader("Contact", "*"))
		require.NoError(t, r.HandleRegister(req, tx))
		assert.Equal(t, sip.StatusBadRequest, tx.last(t).StatusCode)
	})

	t.Run("ExpiresNotZero", func(t *testing.T) {
		req := testRegister(t, "alice", "Expires: 60")
		req.AppendHeader(sip.NewHeader("Contact", "*"))
		require.NoError(t, r.HandleRegister(req, tx))
		assert.Equal(t, sip.StatusBadRequest, tx.last(t).StatusCode)
		assert.Equal(t, 1, r.Store().Len())
	})

	t.Run("RemoveAll", func(t *testing.T) {
		req := testRegister(t, "alice", "Expires: 0")
		req.AppendHeader(sip.NewHeader("Contact", "*"))
		require.NoError(t, r.HandleRegister(req, tx))
		assert.Equal(t, sip.StatusOK, tx.last(t).StatusCode)
		assert.Equal(t, 0, r.Store().Len())
	})
}

func TestLocationStoreExpiry(t *testing.T) {
	s := NewLocationStore(0, 0)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Register(Binding{AOR: "alice", Contact: sip.Uri{User: "alice", Host: "10.0.0.5"}}, 10)
	require.NoError(t, err)
	_, err = s.Register(Binding{AOR: "alice", Contact: sip.Uri{User: "alice", Host: "10.0.0.6"}}, 60)
	require.NoError(t, err)

	// Latest expiring comes first
	list := s.Lookup("alice")
	require.Len(t, list, 2)
	assert.Equal(t, "10.0.0.6", list[0].Contact.Host)

	now = now.Add(30 * time.Second)
	list = s.Lookup("alice")
	require.Len(t, list, 1)
	assert.Equal(t, 30, list[0].ExpiresIn(now))

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.Purge())
	assert.Equal(t, 1, s.Len())

	// Refresh replaces binding
	_, err = s.Register(Binding{AOR: "alice", Contact: sip.Uri{User: "alice", Host: "10.0.0.6"}, CSeq: 2}, 60)
	require.NoError(t, err)
	list = s.Lookup("alice")
	require.Len(t, list, 1)
	assert.Equal(t, uint32(2), list[0].CSeq)
}

func TestRegistrarDigestAuth(t *testing.T) {
	auth := NewDigestServer("pbx.local", func(username string) (string, bool) {
		if username == "alice" {
			return "secret", true
		}
		return "", false
	})
	r := newTestRegistrar(60, WithDigestAuth(auth))
	tx := &fakeTx{}

	require.NoError(t, r.HandleRegister(testRegister(t, "alice", "Contact: <sip:alice@10.0.0.5:5060>"), tx))
	res := tx.last(t)
	require.Equal(t, sip.StatusUnauthorized, res.StatusCode)
	wwwAuth := res.GetHeader("WWW-Authenticate")
	require.NotNil(t, wwwAuth)
	assert.Equal(t, 0, r.Store().Len())

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	require.NoError(t, err)
	assert.Equal(t, "pbx.local", chal.Realm)

	authorize := func(username, password string) *sip.Request {
		cred, err := digest.Digest(chal, digest.Options{
			Method:   "REGISTER",
			URI:      "sip:pbx.local",
			Username: username,
			Password: password,
		})
		require.NoError(t, err)
		return testRegister(t, "alice", "Contact: <sip:alice@10.0.0.5:5060>", "Authorization: "+cred.String())
	}

	require.NoError(t, r.HandleRegister(authorize("alice", "wrong"), tx))
	assert.Equal(t, sip.StatusUnauthorized, tx.last(t).StatusCode)

	require.NoError(t, r.HandleRegister(authorize("mallory", "secret"), tx))
	assert.Equal(t, sip.StatusForbidden, tx.last(t).StatusCode)

	require.NoError(t, r.HandleRegister(authorize("alice", "secret"), tx))
	assert.Equal(t, sip.StatusOK, tx.last(t).StatusCode)
	assert.Equal(t, 1, r.Store().Len())
}
