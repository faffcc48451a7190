// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// portStride leaves room for RTCP on port+1
const portStride = 2

// PortAllocator hands out RTP ports from a fixed range.
// Ports are never returned. The cursor simply wraps to the start of the range,
// so the range must be large compared to the number of concurrent calls.
type PortAllocator struct {
	mu     sync.Mutex
	start  int
	end    int
	cursor int
	wraps  int
}

func NewPortAllocator(start, end int) (*PortAllocator, error) {
	if start <= 0 || end > 65535 {
		return nil, fmt.Errorf("rtp port range %d:%d out of bounds", start, end)
	}
	if end-start+1 < portStride {
		return nil, fmt.Errorf("rtp port range %d:%d must hold at least one RTP/RTCP pair", start, end)
	}
	return &PortAllocator{
		start:  start,
		end:    end,
		cursor: start,
	}, nil
}

// NextPort returns next RTP port. Port+1 is always inside range as well.
func (a *PortAllocator) NextPort() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	port := a.cursor
	a.cursor += portStride
	if a.cursor+portStride-1 > a.end {
		a.cursor = a.start
		a.wraps++
		log.Debug().Int("start", a.start).Int("end", a.end).Int("wraps", a.wraps).Msg("RTP port range wrapped")
	}
	return port
}

// Range returns configured range
func (a *PortAllocator) Range() (start int, end int) {
	return a.start, a.end
}

// Wraps returns how many times cursor went over the end of range
func (a *PortAllocator) Wraps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wraps
}
