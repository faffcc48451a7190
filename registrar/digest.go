// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package registrar

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

var (
	ErrDigestAuthNoChallenge = errors.New("no challenge")
	ErrDigestAuthBadCreds    = errors.New("bad credentials")
	ErrDigestAuthChallenged  = errors.New("challenged")
)

// Credentials returns password of user
type Credentials func(username string) (password string, ok bool)

// DigestAuthServer challenges requests and verifies digest credentials.
// Issued nonces are valid for Expire duration.
type DigestAuthServer struct {
	Realm  string
	Expire time.Duration

	creds Credentials
	mu    sync.Mutex
	cache map[string]*digest.Challenge
}

func NewDigestServer(realm string, creds Credentials) *DigestAuthServer {
	if realm == "" {
		realm = "callbridge"
	}
	return &DigestAuthServer{
		Realm:  realm,
		Expire: 30 * time.Second,
		creds:  creds,
		cache:  make(map[string]*digest.Challenge),
	}
}

// AuthorizeRequest authorizes request. Returned response must be sent when error is not nil.
// Challenge response is returned with ErrDigestAuthChallenged.
func (s *DigestAuthServer) AuthorizeRequest(req *sip.Request) (*sip.Response, error) {
	h := req.GetHeader("Authorization")
	// https://www.rfc-editor.org/rfc/rfc2617#page-6
	if h == nil {
		return s.challenge(req)
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil), err
	}

	s.mu.Lock()
	chal, exists := s.cache[cred.Nonce]
	s.mu.Unlock()
	if !exists {
		// Stale or unknown nonce, client may retry with new challenge
		res, _ := s.challenge(req)
		return res, ErrDigestAuthNoChallenge
	}

	password, ok := s.creds(cred.Username)
	if !ok {
		return sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil), fmt.Errorf("%w: unknown user %q", ErrDigestAuthBadCreds, cred.Username)
	}

	digCred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		// Mostly due to unsupported digest alg
		return sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil), err
	}

	if cred.Response != digCred.Response {
		return sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil), ErrDigestAuthBadCreds
	}
	return nil, nil
}

func (s *DigestAuthServer) challenge(req *sip.Request) (*sip.Response, error) {
	nonce, err := generateNonce()
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", nil), err
	}

	chal := &digest.Challenge{
		Realm:     s.Realm,
		Nonce:     nonce,
		Algorithm: "MD5",
	}

	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	s.mu.Lock()
	s.cache[nonce] = chal
	s.mu.Unlock()
	time.AfterFunc(s.Expire, func() {
		s.mu.Lock()
		delete(s.cache, nonce)
		s.mu.Unlock()
	})
	return res, ErrDigestAuthChallenged
}

func generateNonce() (string, error) {
	nonceBytes := make([]byte, 32)
	_, err := rand.Read(nonceBytes)
	if err != nil {
		return "", fmt.Errorf("could not generate nonce")
	}

	return base64.URLEncoding.EncodeToString(nonceBytes), nil
}
