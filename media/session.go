// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/emiago/callbridge/media/sdp"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

var (
	// When reading RTP use at least MTU size. Increase this
	RTPBufSize = 1500

	ErrNoRemote = errors.New("media session: remote address not set")
)

type SessionID uint64

// Descriptor describes call leg media as negotiated in signaling
type Descriptor struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	Codec  Codec
}

func (d Descriptor) String() string {
	return fmt.Sprintf("local=%s remote=%s codec=%s", d.Local, d.Remote, d.Codec.Name)
}

// SDPFormat converts codec to SDP payload format
func (c Codec) SDPFormat() sdp.Format {
	return sdp.Format{PayloadType: c.PayloadType, Name: c.Name, ClockRate: c.SampleRate}
}

// LocalSDP builds SDP with local address of descriptor.
func (d Descriptor) LocalSDP() ([]byte, error) {
	return sdp.GenerateForAudio(d.Local.Addr(), d.Local, sdp.ModeSendrecv, []sdp.Format{d.Codec.SDPFormat()})
}

// Session represents active media session with RTP/RTCP
// It identifies single call leg Laddr <-> Raddr. RTCP is always on port+1.
//
// NOTE: remote address can be updated while relay is running, everything else is read only
type Session struct {
	ID    SessionID
	Codec Codec
	// Laddr our local address which has full IP and port after media session creation
	Laddr netip.AddrPort

	rtpConn   *net.UDPConn
	rtcpConn  *net.UDPConn
	raddr     atomic.Pointer[net.UDPAddr]
	rtcpRaddr atomic.Pointer[net.UDPAddr]
	ssrc      uint32
}

// NewSession binds RTP and RTCP listeners for descriptor.
// Bind failure is not retried on another port.
func NewSession(id SessionID, desc Descriptor) (*Session, error) {
	if !desc.Local.Addr().IsValid() {
		return nil, fmt.Errorf("media session: local addr must be set")
	}
	if desc.Codec.IsZero() {
		return nil, fmt.Errorf("media session: codec must be set")
	}

	s := &Session{
		ID:    id,
		Codec: desc.Codec,
		ssrc:  rand.Uint32(),
	}
	if err := s.listenRTPandRTCP(desc.Local); err != nil {
		return nil, err
	}
	if desc.Remote.IsValid() {
		s.SetRemoteAddr(desc.Remote)
	}
	return s, nil
}

func (s *Session) listenRTPandRTCP(laddr netip.AddrPort) error {
	var err error
	s.rtpConn, err = net.ListenUDP("udp", net.UDPAddrFromAddrPort(laddr))
	if err != nil {
		return fmt.Errorf("listen rtp %s: %w", laddr, err)
	}
	// Update laddr as it can be ephemeral
	rtpAddr := s.rtpConn.LocalAddr().(*net.UDPAddr).AddrPort()

	rtcpAddr := netip.AddrPortFrom(laddr.Addr(), rtpAddr.Port()+1)
	s.rtcpConn, err = net.ListenUDP("udp", net.UDPAddrFromAddrPort(rtcpAddr))
	if err != nil {
		s.rtpConn.Close()
		return fmt.Errorf("listen rtcp %s: %w", rtcpAddr, err)
	}

	s.Laddr = netip.AddrPortFrom(laddr.Addr(), rtpAddr.Port())
	return nil
}

// SetRemoteAddr is helper to set Raddr and rtcp address.
func (s *Session) SetRemoteAddr(raddr netip.AddrPort) {
	s.raddr.Store(net.UDPAddrFromAddrPort(raddr))
	s.rtcpRaddr.Store(net.UDPAddrFromAddrPort(netip.AddrPortFrom(raddr.Addr(), raddr.Port()+1)))
}

func (s *Session) RemoteAddr() netip.AddrPort {
	raddr := s.raddr.Load()
	if raddr == nil {
		return netip.AddrPort{}
	}
	return raddr.AddrPort()
}

func (s *Session) ReadRTPRaw(buf []byte) (int, error) {
	n, _, err := s.rtpConn.ReadFrom(buf)
	return n, err
}

func (s *Session) setReadDeadline(t time.Time) error {
	return s.rtpConn.SetReadDeadline(t)
}

func (s *Session) WriteRTPRaw(data []byte) (int, error) {
	raddr := s.raddr.Load()
	if raddr == nil {
		return 0, ErrNoRemote
	}
	return s.rtpConn.WriteTo(data, raddr)
}

func (s *Session) WriteRTP(p *rtp.Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}

	n, err := s.WriteRTPRaw(data)
	if err != nil {
		return err
	}

	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}

func (s *Session) WriteRTCP(p rtcp.Packet) error {
	raddr := s.rtcpRaddr.Load()
	if raddr == nil {
		return ErrNoRemote
	}

	data, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = s.rtcpConn.WriteTo(data, raddr)
	return err
}

// Close sends RTCP BYE if remote is known and closes listeners
func (s *Session) Close() error {
	var errs []error
	if s.raddr.Load() != nil {
		s.rtcpConn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		if err := s.WriteRTCP(&rtcp.Goodbye{Sources: []uint32{s.ssrc}}); err != nil {
			errs = append(errs, fmt.Errorf("rtcp goodbye: %w", err))
		}
	}

	if err := s.rtcpConn.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.rtpConn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
