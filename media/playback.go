// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
	"github.com/zaf/g711"
)

var ErrUnsupportedWav = errors.New("unsupported wav")

type playback struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// loadWav reads whole file and encodes it for codec.
// Only 16 bit mono PCM in codec sample rate is accepted, there is no resampling.
func loadWav(file string, codec Codec) ([]byte, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s is not valid wav file", ErrUnsupportedWav, file)
	}

	if dec.NumChans != 1 || dec.BitDepth != 16 || dec.SampleRate != codec.SampleRate {
		return nil, fmt.Errorf("%w: channels=%d depth=%d rate=%d, expected mono 16bit %d",
			ErrUnsupportedWav, dec.NumChans, dec.BitDepth, dec.SampleRate, codec.SampleRate)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	return encodeG711(buf.Data, codec)
}

func encodeG711(samples []int, codec Codec) ([]byte, error) {
	var encode func(int16) uint8
	switch codec.PayloadType {
	case CodecAudioUlaw.PayloadType:
		encode = g711.EncodeUlawFrame
	case CodecAudioAlaw.PayloadType:
		encode = g711.EncodeAlawFrame
	default:
		return nil, fmt.Errorf("%w: can not encode to %s", ErrNoCodec, codec.Name)
	}

	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encode(int16(s))
	}
	return out, nil
}

// startPlayback streams payload to session in background.
// onDone is called only when playback runs to the end or fails, never after stop.
func startPlayback(sess *Session, payload []byte, onDone func(err error)) *playback {
	ctx, cancel := context.WithCancel(context.Background())
	p := &playback{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	w := newRTPPacketWriter(sess, sess.Codec, sess.ssrc)
	go func() {
		defer close(p.done)
		err := w.writeAll(ctx, payload)
		if ctx.Err() != nil {
			return
		}
		if onDone != nil {
			onDone(err)
		}
	}()
	return p
}

func (p *playback) stop() {
	p.cancel()
	<-p.done
}
