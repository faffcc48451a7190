// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

var ErrNoTranscoding = errors.New("no transcoding supported in relay")

// relay proxies raw RTP between two sessions in both directions.
// Payload is not touched so both legs must use same codec.
type relay struct {
	a, b    *Session
	ab, ba  relayCounter
	stopped atomic.Bool
	wg      sync.WaitGroup
	log     zerolog.Logger
}

func startRelay(a, b *Session, log zerolog.Logger) (*relay, error) {
	if a.Codec.PayloadType != b.Codec.PayloadType {
		return nil, fmt.Errorf("%w: %s <> %s", ErrNoTranscoding, a.Codec.Name, b.Codec.Name)
	}

	r := &relay{
		a:   a,
		b:   b,
		log: log.With().Uint64("session_a", uint64(a.ID)).Uint64("session_b", uint64(b.ID)).Logger(),
	}
	r.wg.Add(2)
	go r.proxy(a, b, &r.ab)
	go r.proxy(b, a, &r.ba)
	r.log.Debug().Msg("RTP relay started")
	return r, nil
}

func (r *relay) proxy(from *Session, to *Session, cnt *relayCounter) {
	defer r.wg.Done()

	buf := make([]byte, RTPBufSize)
	hdr := rtp.Header{}
	for {
		n, err := from.ReadRTPRaw(buf)
		if err != nil {
			if r.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Error().Err(err).Str("laddr", from.Laddr.String()).Msg("RTP relay read failed")
			return
		}

		// Drop anything that is not RTP
		if _, err := hdr.Unmarshal(buf[:n]); err != nil {
			cnt.dropped.Add(1)
			continue
		}
		cnt.forwarded(n)

		if _, err := to.WriteRTPRaw(buf[:n]); err != nil {
			if errors.Is(err, ErrNoRemote) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Debug().Err(err).Str("laddr", to.Laddr.String()).Msg("RTP relay write failed")
		}
	}
}

// stop unblocks readers and waits both directions to exit. Sessions stay usable.
func (r *relay) stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}

	now := time.Now()
	r.a.setReadDeadline(now)
	r.b.setReadDeadline(now)
	r.wg.Wait()
	r.a.setReadDeadline(time.Time{})
	r.b.setReadDeadline(time.Time{})
	r.log.Debug().EmbedObject(r.stats()).Msg("RTP relay stopped")
}

func (r *relay) stats() RelayStats {
	return relayStats(&r.ab, &r.ba)
}
