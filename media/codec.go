// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Here are some codec constants that can be reused
	CodecAudioUlaw          = Codec{Name: "PCMU", PayloadType: 0, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
	CodecAudioAlaw          = Codec{Name: "PCMA", PayloadType: 8, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
	CodecTelephoneEvent8000 = Codec{Name: "telephone-event", PayloadType: 101, SampleRate: 8000, SampleDur: 20 * time.Millisecond}

	// SupportedCodecs are audio codecs we can play and relay, in preference order
	SupportedCodecs = []Codec{CodecAudioUlaw, CodecAudioAlaw}

	ErrNoCodec = errors.New("no supported codec")
)

type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
}

func (c Codec) String() string {
	return fmt.Sprintf("%s pt=%d rate=%d dur=%s", c.Name, c.PayloadType, c.SampleRate, c.SampleDur.String())
}

// SampleTimestamp is RTP timestamp increase per packet
func (c Codec) SampleTimestamp() uint32 {
	return uint32(float64(c.SampleRate) * c.SampleDur.Seconds())
}

// SamplesPerFrame is number of samples in one packet. G711 is one byte per sample.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleTimestamp())
}

func (c Codec) IsZero() bool {
	return c.Name == ""
}

// CodecFromPayloadType returns codec only for static payload types we support
func CodecFromPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case CodecAudioUlaw.PayloadType:
		return CodecAudioUlaw, true
	case CodecAudioAlaw.PayloadType:
		return CodecAudioAlaw, true
	}
	return Codec{}, false
}

// NegotiateCodec picks first offered payload type which is also in supported list.
// Offer order wins as answerer should respect remote preference.
func NegotiateCodec(offered []uint8, supported []Codec) (Codec, error) {
	for _, pt := range offered {
		for _, c := range supported {
			if c.PayloadType == pt {
				return c, nil
			}
		}
	}
	return Codec{}, fmt.Errorf("%w: offered=%v", ErrNoCodec, offered)
}
