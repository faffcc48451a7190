// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionTableResumeOnce(t *testing.T) {
	contact := sip.Uri{Scheme: "sip", User: "callbridge", Host: "127.0.0.1", Port: 5060}
	table := newTransactionTable(contact)
	var resumed []sip.StatusCode
	table.onResume = func(code sip.StatusCode) {
		resumed = append(resumed, code)
	}

	invite := newTestInvite(t, "call-1", "tag-a", nil)
	tx := &fakeTx{}
	token, err := table.Suspend(invite, tx, "our-tag")
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())

	require.NoError(t, table.Provisional(token, sip.StatusRinging, "Ringing"))
	require.NoError(t, table.Resume(token, sip.StatusOK, "OK", []byte("v=0\r\n")))
	require.ErrorIs(t, table.Resume(token, sip.StatusOK, "OK", nil), ErrNotSuspended)
	require.ErrorIs(t, table.Provisional(token, sip.StatusRinging, "Ringing"), ErrNotSuspended)
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, []sip.StatusCode{sip.StatusOK}, resumed)

	require.Len(t, tx.responses, 2)
	for _, res := range tx.responses {
		tag, ok := res.To().Params.Get("tag")
		require.True(t, ok)
		assert.Equal(t, "our-tag", tag)
	}

	final := tx.responses[1]
	require.NotNil(t, final.Contact())
	assert.Equal(t, "callbridge", final.Contact().Address.User)
	require.NotNil(t, final.ContentType())
	assert.Equal(t, "application/sdp", final.ContentType().Value())
	assert.Nil(t, tx.responses[0].Contact())
}

func TestTransactionTableAbandon(t *testing.T) {
	table := newTransactionTable(sip.Uri{})
	tx := &fakeTx{}
	token, err := table.Suspend(newTestInvite(t, "call-1", "tag-a", nil), tx, "our-tag")
	require.NoError(t, err)

	assert.True(t, table.Abandon(token))
	assert.False(t, table.Abandon(token))
	require.ErrorIs(t, table.Resume(token, sip.StatusOK, "OK", nil), ErrNotSuspended)
	assert.Empty(t, tx.responses)
}

func TestTransactionTableTokensUnique(t *testing.T) {
	table := newTransactionTable(sip.Uri{})
	invite := newTestInvite(t, "call-1", "tag-a", nil)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		token, err := table.Suspend(invite, &fakeTx{}, "")
		require.NoError(t, err)
		require.False(t, seen[token])
		seen[token] = true
	}
}

func TestTransactionTableSuspendRequiresTransaction(t *testing.T) {
	table := newTransactionTable(sip.Uri{})
	token, err := table.Suspend(newTestInvite(t, "call-1", "tag-a", nil), nil, "our-tag")
	require.ErrorIs(t, err, ErrNoTransaction)
	assert.Empty(t, token)
	assert.Equal(t, 0, table.Len())
	require.ErrorIs(t, table.Resume(token, sip.StatusOK, "OK", nil), ErrNotSuspended)
}

func TestBuildResponseOverridesStackTag(t *testing.T) {
	invite := newTestInvite(t, "call-1", "tag-a", nil)
	for _, code := range []sip.StatusCode{sip.StatusRinging, sip.StatusOK, sip.StatusBusyHere} {
		res := buildResponse(invite, code, "", nil, "our-tag", sip.Uri{})
		tag, ok := res.To().Params.Get("tag")
		require.True(t, ok)
		assert.Equal(t, "our-tag", tag, "status %d", code)
	}

	res := buildResponse(invite, sip.StatusTrying, "Trying", nil, "our-tag", sip.Uri{})
	_, ok := res.To().Params.Get("tag")
	assert.False(t, ok)
	_, ok = invite.To().Params.Get("tag")
	assert.False(t, ok)
}
