// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned or logged by controller wraps one of these.
var (
	ErrAllocationFailure  = errors.New("allocation failure")
	ErrMediaFailure       = errors.New("media failure")
	ErrSignalingFailure   = errors.New("signaling failure")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrResourceExhaustion = errors.New("resource exhaustion")
)

var (
	ErrStateRegression     = fmt.Errorf("%w: dialog state can not move backward", ErrProtocolViolation)
	ErrDialogNotFound      = fmt.Errorf("%w: dialog does not exist", ErrProtocolViolation)
	ErrDialogTerminated    = fmt.Errorf("%w: dialog terminated", ErrProtocolViolation)
	ErrAlreadyBridged      = fmt.Errorf("%w: dialog already has peer", ErrProtocolViolation)
	ErrRenegotiationActive = fmt.Errorf("%w: renegotiation in progress", ErrProtocolViolation)
	ErrStaleHandle         = errors.New("stale dialog handle")
	ErrNotSuspended        = errors.New("transaction is not suspended")
	ErrNoTransaction       = fmt.Errorf("%w: request has no server transaction", ErrProtocolViolation)
)
