// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package dialplan

import (
	"context"
	"strings"

	"github.com/emiago/callbridge"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Controller is call control route steps are executed on
type Controller interface {
	Answer(req *sip.Request, tx callbridge.ServerTx, route string) callbridge.Signal
	Bridge(req *sip.Request, tx callbridge.ServerTx, target string, route string) callbridge.Signal
	Play(req *sip.Request, file string, route string) callbridge.Signal
	Hangup(req *sip.Request, tx callbridge.ServerTx) callbridge.Signal
}

// Resolver resolves local user to contact. Registrar satisfies it.
type Resolver interface {
	Lookup(aor string) (sip.Uri, error)
}

// Runner executes routes. Every step which needs call progress (answer, play, bridge)
// passes continuation to controller and is resumed by RunRoute.
type Runner struct {
	plan     *Plan
	ctl      Controller
	resolver Resolver
	log      zerolog.Logger
}

type RunnerOption func(r *Runner)

func WithRunnerLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) {
		r.log = l
	}
}

// WithResolver resolves bridge targets without host
func WithResolver(res Resolver) RunnerOption {
	return func(r *Runner) {
		r.resolver = res
	}
}

func NewRunner(plan *Plan, ctl Controller, opts ...RunnerOption) *Runner {
	r := &Runner{
		plan: plan,
		ctl:  ctl,
		log:  log.Logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HandleInvite selects entry route by request user and runs it.
// Unmatched request is rejected with 404.
func (r *Runner) HandleInvite(req *sip.Request, tx callbridge.ServerTx) callbridge.Signal {
	user := req.Recipient.User
	route, ok := r.plan.Match(user)
	if !ok {
		r.log.Info().Str("user", user).Str("call_id", callID(req)).Msg("No route matched")
		respond(tx, req, sip.StatusNotFound, "Not Found")
		return callbridge.SignalDrop
	}
	r.log.Debug().Str("user", user).Str("route", route.Name).Msg("Route matched")
	return r.run(req, tx, route, 0)
}

// RunRoute continues route at position encoded in name
func (r *Runner) RunRoute(ctx context.Context, name string, call *callbridge.Call) {
	log := r.log.With().Str("call_id", call.CallID).Str("route", name).Logger()
	routeName, idx, err := parseContinuation(name)
	if err != nil {
		log.Error().Err(err).Msg("Hanging up")
		r.ctl.Hangup(call.Request, nil)
		return
	}
	route, ok := r.plan.Route(routeName)
	if !ok || idx >= len(route.Steps) {
		log.Error().Err(ErrNoRoute).Msg("Hanging up")
		r.ctl.Hangup(call.Request, nil)
		return
	}
	r.run(call.Request, nil, route, idx)
}

func (r *Runner) run(req *sip.Request, tx callbridge.ServerTx, route *Route, idx int) callbridge.Signal {
	step := route.Steps[idx]
	next := continuation(route.Name, idx+1, len(route.Steps))

	var sig callbridge.Signal
	switch step.Kind {
	case StepAnswer:
		if tx == nil {
			// Call is already answered, keep going
			if next == "" {
				return callbridge.SignalContinue
			}
			return r.run(req, tx, route, idx+1)
		}
		sig = r.ctl.Answer(req, tx, next)
	case StepPlay:
		sig = r.ctl.Play(req, step.Arg, next)
	case StepBridge:
		target, ok := r.resolve(req, step.Arg)
		if !ok {
			r.log.Info().Str("call_id", callID(req)).Str("target", step.Arg).Msg("Bridge target not registered")
			if tx != nil {
				respond(tx, req, sip.StatusNotFound, "Not Found")
				return callbridge.SignalDrop
			}
			return r.ctl.Hangup(req, nil)
		}
		sig = r.ctl.Bridge(req, tx, target, next)
	case StepHangup:
		sig = r.ctl.Hangup(req, nil)
	}

	if sig == callbridge.SignalDrop {
		r.log.Debug().Str("call_id", callID(req)).Str("step", step.String()).Msg("Route stopped")
	}
	return sig
}

// resolve expands ${user} and looks up targets without host in resolver
func (r *Runner) resolve(req *sip.Request, target string) (string, bool) {
	target = strings.ReplaceAll(target, "${user}", req.Recipient.User)
	if strings.Contains(target, "@") || r.resolver == nil {
		return target, true
	}
	uri, err := r.resolver.Lookup(target)
	if err != nil {
		return "", false
	}
	return uri.String(), true
}

func respond(tx callbridge.ServerTx, req *sip.Request, code sip.StatusCode, reason string) {
	if tx == nil {
		return
	}
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		log.Info().Err(err).Int("status", int(code)).Msg("Failed to respond")
	}
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
