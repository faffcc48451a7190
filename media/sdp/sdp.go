// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	psdp "github.com/pion/sdp/v3"
)

type Mode string

const (
	// https://datatracker.ietf.org/doc/html/rfc4566#section-6
	ModeRecvonly Mode = "recvonly"
	ModeSendrecv Mode = "sendrecv"
	ModeSendonly Mode = "sendonly"
	ModeInactive Mode = "inactive"
)

var (
	ErrNoAudio      = errors.New("sdp: no audio media description")
	ErrNoConnection = errors.New("sdp: connection information missing")
)

// Format is single RTP payload format of audio media
type Format struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// Audio is the part of session description we care about. Only first audio stream is read.
type Audio struct {
	Addr    netip.AddrPort
	Formats []Format
	Mode    Mode
}

func (a Audio) PayloadTypes() []uint8 {
	pts := make([]uint8, len(a.Formats))
	for i, f := range a.Formats {
		pts[i] = f.PayloadType
	}
	return pts
}

func NTPTimestamp(now time.Time) uint64 {
	var ntpEpochOffset int64 = 2208988800 // Offset from Unix epoch (January 1, 1970) to NTP epoch (January 1, 1900)
	currentTime := now.Unix() + ntpEpochOffset

	return uint64(currentTime)
}

// GenerateForAudio is minimal AUDIO SDP setup
func GenerateForAudio(originIP netip.Addr, conn netip.AddrPort, mode Mode, formats []Format) ([]byte, error) {
	if len(formats) == 0 {
		return nil, fmt.Errorf("sdp: formats can not be empty")
	}
	ntpTime := NTPTimestamp(time.Now())

	md := &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   "audio",
			Port:    psdp.RangedPort{Value: int(conn.Port())},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{},
		},
	}
	for _, f := range formats {
		md = md.WithCodec(f.PayloadType, f.Name, f.ClockRate, 0, "")
	}
	md = md.WithValueAttribute("ptime", "20").
		WithValueAttribute("maxptime", "20").
		WithPropertyAttribute(string(mode))

	sd := psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      ntpTime,
			SessionVersion: ntpTime,
			NetworkType:    "IN",
			AddressType:    addressType(originIP),
			UnicastAddress: originIP.String(),
		},
		SessionName: "callbridge",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(conn.Addr()),
			Address:     &psdp.Address{Address: conn.Addr().String()},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{md},
	}
	return sd.Marshal()
}

func addressType(ip netip.Addr) string {
	if ip.Is6() && !ip.Is4In6() {
		return "IP6"
	}
	return "IP4"
}

// ParseAudio reads remote address, payload formats and direction of first audio stream
func ParseAudio(body []byte) (Audio, error) {
	a := Audio{}
	if len(body) == 0 {
		return a, fmt.Errorf("sdp: empty body")
	}

	sd := psdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return a, fmt.Errorf("fail to parse SDP: %w", err)
	}

	var md *psdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return a, ErrNoAudio
	}

	ci := md.ConnectionInformation
	if ci == nil {
		ci = sd.ConnectionInformation
	}
	if ci == nil || ci.Address == nil {
		return a, ErrNoConnection
	}
	// Address may carry TTL for multicast
	host, _, _ := strings.Cut(ci.Address.Address, "/")
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return a, fmt.Errorf("sdp: bad connection address %q: %w", ci.Address.Address, err)
	}
	a.Addr = netip.AddrPortFrom(ip.Unmap(), uint16(md.MediaName.Port.Value))

	rtpmaps := map[uint8]Format{}
	a.Mode = ModeSendrecv
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "rtpmap":
			f, err := parseRtpmap(attr.Value)
			if err != nil {
				continue
			}
			rtpmaps[f.PayloadType] = f
		case string(ModeSendrecv), string(ModeSendonly), string(ModeRecvonly), string(ModeInactive):
			a.Mode = Mode(attr.Key)
		}
	}

	for _, fs := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(fs, 10, 8)
		if err != nil {
			continue
		}
		f, ok := rtpmaps[uint8(pt)]
		if !ok {
			f, ok = staticFormat(uint8(pt))
		}
		if !ok {
			f = Format{PayloadType: uint8(pt)}
		}
		a.Formats = append(a.Formats, f)
	}
	if len(a.Formats) == 0 {
		return a, fmt.Errorf("sdp: no formats in audio media")
	}
	return a, nil
}

// rtpmap:<payload type> <encoding name>/<clock rate>[/<encoding parameters>]
func parseRtpmap(v string) (Format, error) {
	f := Format{}
	ptStr, enc, ok := strings.Cut(v, " ")
	if !ok {
		return f, fmt.Errorf("bad rtpmap %q", v)
	}
	pt, err := strconv.ParseUint(ptStr, 10, 8)
	if err != nil {
		return f, err
	}
	f.PayloadType = uint8(pt)

	parts := strings.Split(enc, "/")
	f.Name = parts[0]
	if len(parts) > 1 {
		rate, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return f, err
		}
		f.ClockRate = uint32(rate)
	}
	return f, nil
}

func staticFormat(pt uint8) (Format, bool) {
	switch pt {
	case 0:
		return Format{PayloadType: 0, Name: "PCMU", ClockRate: 8000}, true
	case 8:
		return Format{PayloadType: 8, Name: "PCMA", ClockRate: 8000}, true
	}
	return Format{}, false
}
