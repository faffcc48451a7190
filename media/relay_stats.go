// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// RelayStats counts RTP seen by relay. A is first session passed to StartRelay.
type RelayStats struct {
	PacketsAB uint64
	PacketsBA uint64
	BytesAB   uint64
	BytesBA   uint64
	// Dropped are datagrams which were not RTP
	Dropped uint64
}

func (s RelayStats) String() string {
	return fmt.Sprintf("a->b=%d/%dB b->a=%d/%dB dropped=%d", s.PacketsAB, s.BytesAB, s.PacketsBA, s.BytesBA, s.Dropped)
}

func (s RelayStats) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("packets_ab", s.PacketsAB).
		Uint64("packets_ba", s.PacketsBA).
		Uint64("bytes_ab", s.BytesAB).
		Uint64("bytes_ba", s.BytesBA).
		Uint64("dropped", s.Dropped)
}

// relayCounter is updated from single proxy direction
type relayCounter struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

func (c *relayCounter) forwarded(n int) {
	c.packets.Add(1)
	c.bytes.Add(uint64(n))
}

func relayStats(ab *relayCounter, ba *relayCounter) RelayStats {
	return RelayStats{
		PacketsAB: ab.packets.Load(),
		PacketsBA: ba.packets.Load(),
		BytesAB:   ab.bytes.Load(),
		BytesBA:   ba.bytes.Load(),
		Dropped:   ab.dropped.Load() + ba.dropped.Load(),
	}
}
