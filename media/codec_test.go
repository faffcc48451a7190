// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateCodec(t *testing.T) {
	c, err := NegotiateCodec([]uint8{96, 8, 0, 101}, SupportedCodecs)
	require.NoError(t, err)
	assert.Equal(t, CodecAudioAlaw, c)

	c, err = NegotiateCodec([]uint8{0, 8}, []Codec{CodecAudioAlaw})
	require.NoError(t, err)
	assert.Equal(t, CodecAudioAlaw, c)

	_, err = NegotiateCodec([]uint8{96, 101}, SupportedCodecs)
	require.ErrorIs(t, err, ErrNoCodec)
}

func TestCodecSamples(t *testing.T) {
	assert.Equal(t, uint32(160), CodecAudioUlaw.SampleTimestamp())
	assert.Equal(t, 160, CodecAudioAlaw.SamplesPerFrame())

	c, ok := CodecFromPayloadType(8)
	require.True(t, ok)
	assert.Equal(t, "PCMA", c.Name)

	_, ok = CodecFromPayloadType(101)
	assert.False(t, ok)
}
