// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// Call is passed to route continuation
type Call struct {
	// Request is INVITE which created call. Entry points locate dialog by it.
	Request *sip.Request
	Handle  Handle
	CallID  string
}

// RouteRunner continues call processing with named route.
// It is called from orchestrator and must not block.
type RouteRunner interface {
	RunRoute(ctx context.Context, name string, call *Call)
}

// RouteFunc adapts function to RouteRunner
type RouteFunc func(ctx context.Context, name string, call *Call)

func (f RouteFunc) RunRoute(ctx context.Context, name string, call *Call) {
	f(ctx, name, call)
}
