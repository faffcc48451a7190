// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession = errors.New("media engine: unknown session")
	ErrSessionBusy    = errors.New("media engine: session busy")
	ErrNotRelaying    = errors.New("media engine: sessions are not relayed")
)

// Engine owns call leg media sessions, playbacks and relays.
//
// Engine is NOT safe for concurrent use. It is expected that single goroutine drives it.
// Playback completion callbacks are called from playback goroutines.
type Engine struct {
	log      zerolog.Logger
	nextID   SessionID
	sessions map[SessionID]*engineSession
}

type engineSession struct {
	sess     *Session
	playback *playback
	relay    *relay
}

type EngineOption func(e *Engine)

func WithEngineLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		log:      log.Logger,
		sessions: make(map[SessionID]*engineSession),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) lookup(id SessionID) (*engineSession, error) {
	es, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrUnknownSession, id)
	}
	return es, nil
}

// CreateSession binds local ports of descriptor and returns session id
func (e *Engine) CreateSession(desc Descriptor) (SessionID, error) {
	e.nextID++
	id := e.nextID
	sess, err := NewSession(id, desc)
	if err != nil {
		return 0, err
	}
	e.sessions[id] = &engineSession{sess: sess}
	e.log.Debug().Uint64("session", uint64(id)).Str("desc", desc.String()).Msg("Media session created")
	return id, nil
}

// Session returns underlying session. Useful for inspection only.
func (e *Engine) Session(id SessionID) (*Session, error) {
	es, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return es.sess, nil
}

func (e *Engine) DestroySession(id SessionID) error {
	es, err := e.lookup(id)
	if err != nil {
		return err
	}

	if es.playback != nil {
		es.playback.stop()
		es.playback = nil
	}
	if es.relay != nil {
		r := es.relay
		r.stop()
		for _, other := range e.sessions {
			if other.relay == r {
				other.relay = nil
			}
		}
	}
	delete(e.sessions, id)
	e.log.Debug().Uint64("session", uint64(id)).Msg("Media session destroyed")
	return es.sess.Close()
}

// StartPlayback plays wav file on session. Any running playback is replaced.
// onDone is called from playback goroutine once file is fully played or writing fails.
func (e *Engine) StartPlayback(id SessionID, file string, onDone func(err error)) error {
	es, err := e.lookup(id)
	if err != nil {
		return err
	}
	if es.relay != nil {
		return fmt.Errorf("%w: relay active", ErrSessionBusy)
	}

	payload, err := loadWav(file, es.sess.Codec)
	if err != nil {
		return err
	}

	if es.playback != nil {
		es.playback.stop()
	}
	es.playback = startPlayback(es.sess, payload, onDone)
	e.log.Debug().Uint64("session", uint64(id)).Str("file", file).Msg("Playback started")
	return nil
}

func (e *Engine) StopPlayback(id SessionID) error {
	es, err := e.lookup(id)
	if err != nil {
		return err
	}
	if es.playback != nil {
		es.playback.stop()
		es.playback = nil
	}
	return nil
}

// StartRelay proxies RTP between two sessions. Playbacks on both are stopped.
func (e *Engine) StartRelay(a SessionID, b SessionID) error {
	if a == b {
		return fmt.Errorf("media engine: can not relay session %d to itself", a)
	}
	ea, err := e.lookup(a)
	if err != nil {
		return err
	}
	eb, err := e.lookup(b)
	if err != nil {
		return err
	}
	if ea.relay != nil || eb.relay != nil {
		return fmt.Errorf("%w: relay already active", ErrSessionBusy)
	}

	for _, es := range []*engineSession{ea, eb} {
		if es.playback != nil {
			es.playback.stop()
			es.playback = nil
		}
	}

	r, err := startRelay(ea.sess, eb.sess, e.log)
	if err != nil {
		return err
	}
	ea.relay = r
	eb.relay = r
	return nil
}

func (e *Engine) StopRelay(a SessionID, b SessionID) error {
	ea, err := e.lookup(a)
	if err != nil {
		return err
	}
	eb, err := e.lookup(b)
	if err != nil {
		return err
	}
	if ea.relay == nil || ea.relay != eb.relay {
		return ErrNotRelaying
	}
	ea.relay.stop()
	ea.relay = nil
	eb.relay = nil
	return nil
}

// RelayStats returns counters of relay session takes part in
func (e *Engine) RelayStats(id SessionID) (RelayStats, error) {
	es, err := e.lookup(id)
	if err != nil {
		return RelayStats{}, err
	}
	if es.relay == nil {
		return RelayStats{}, ErrNotRelaying
	}
	return es.relay.stats(), nil
}

// UpdateRemote changes where session sends media. Safe while relaying.
func (e *Engine) UpdateRemote(id SessionID, raddr netip.AddrPort) error {
	es, err := e.lookup(id)
	if err != nil {
		return err
	}
	es.sess.SetRemoteAddr(raddr)
	return nil
}

func (e *Engine) Len() int {
	return len(e.sessions)
}

// Close destroys all sessions
func (e *Engine) Close() error {
	var errs []error
	for id := range e.sessions {
		if err := e.DestroySession(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
