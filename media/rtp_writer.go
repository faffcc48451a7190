// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"context"
	"math/rand"
	"time"

	"github.com/pion/rtp"
)

type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// rtpPacketWriter packetize payload in RTP packets paced by codec sample duration.
// All packets are sent with same SSRC.
// It is not thread safe and order of payload frames is required
type rtpPacketWriter struct {
	writer RTPWriter
	codec  Codec

	ssrc          uint32
	seq           uint16
	nextTimestamp uint32
	marker        bool
}

func newRTPPacketWriter(writer RTPWriter, codec Codec, ssrc uint32) *rtpPacketWriter {
	return &rtpPacketWriter{
		writer:        writer,
		codec:         codec,
		ssrc:          ssrc,
		seq:           uint16(rand.Uint32()),
		nextTimestamp: rand.Uint32(),
		marker:        true,
	}
}

// writeAll writes payload frame by frame. It blocks for the whole playout duration.
func (w *rtpPacketWriter) writeAll(ctx context.Context, payload []byte) error {
	frameSize := w.codec.SamplesPerFrame()
	ticker := time.NewTicker(w.codec.SampleDur)
	defer ticker.Stop()

	for off := 0; off < len(payload); off += frameSize {
		end := min(off+frameSize, len(payload))
		if err := w.writeSamples(payload[off:end]); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (w *rtpPacketWriter) writeSamples(payload []byte) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			Marker:      w.marker,
			PayloadType: w.codec.PayloadType,
			// Timestamp should increase linear and monotonic for media clock
			Timestamp:      w.nextTimestamp,
			SequenceNumber: w.seq,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	w.marker = false
	w.seq++
	w.nextTimestamp += w.codec.SampleTimestamp()
	return w.writer.WriteRTP(&pkt)
}
