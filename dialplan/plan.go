// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package dialplan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrNoRoute = errors.New("dialplan: no route")

type StepKind string

const (
	StepAnswer StepKind = "answer"
	StepPlay   StepKind = "play"
	StepBridge StepKind = "bridge"
	StepHangup StepKind = "hangup"
)

// Step is single route instruction, written as "<kind> [arg]"
type Step struct {
	Kind StepKind
	Arg  string
}

func (s Step) String() string {
	if s.Arg == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + " " + s.Arg
}

func ParseStep(s string) (Step, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(s), " ")
	step := Step{Kind: StepKind(strings.ToLower(kind)), Arg: strings.TrimSpace(arg)}
	switch step.Kind {
	case StepAnswer, StepHangup:
		if step.Arg != "" {
			return step, fmt.Errorf("step %q takes no argument", kind)
		}
	case StepPlay, StepBridge:
		if step.Arg == "" {
			return step, fmt.Errorf("step %q requires argument", kind)
		}
	default:
		return step, fmt.Errorf("unknown step %q", kind)
	}
	return step, nil
}

// Route is named list of steps
type Route struct {
	Name  string
	Steps []Step
}

// Rule selects entry route by request user.
// Pattern is exact user, "prefix*" for prefix match, or "*" for any.
type Rule struct {
	Pattern  string `mapstructure:"pattern"`
	Route    string `mapstructure:"route"`
	Priority int    `mapstructure:"priority"`
}

func (r Rule) Match(user string) bool {
	switch {
	case r.Pattern == "*":
		return true
	case strings.HasSuffix(r.Pattern, "*"):
		return strings.HasPrefix(user, strings.TrimSuffix(r.Pattern, "*"))
	}
	return user == r.Pattern
}

// Plan holds compiled routes and entry rules. It is read only after creation.
type Plan struct {
	routes map[string]*Route
	rules  []Rule
}

// Compile parses routes given as step lines and validates rules against them.
// Entry routes must start with answer or bridge as only those can take over INVITE.
func Compile(routes map[string][]string, rules []Rule) (*Plan, error) {
	p := &Plan{
		routes: make(map[string]*Route, len(routes)),
	}
	for name, lines := range routes {
		if name == "" || strings.Contains(name, "#") {
			return nil, fmt.Errorf("dialplan: bad route name %q", name)
		}
		if len(lines) == 0 {
			return nil, fmt.Errorf("dialplan: route %q has no steps", name)
		}
		r := &Route{Name: name}
		for i, l := range lines {
			step, err := ParseStep(l)
			if err != nil {
				return nil, fmt.Errorf("dialplan: route %q step %d: %w", name, i, err)
			}
			r.Steps = append(r.Steps, step)
		}
		p.routes[name] = r
	}

	for i, rule := range rules {
		if rule.Pattern == "" {
			return nil, fmt.Errorf("dialplan: rule %d: pattern required", i)
		}
		r, ok := p.routes[rule.Route]
		if !ok {
			return nil, fmt.Errorf("dialplan: rule %d: %w %q", i, ErrNoRoute, rule.Route)
		}
		if k := r.Steps[0].Kind; k != StepAnswer && k != StepBridge {
			return nil, fmt.Errorf("dialplan: rule %d: entry route %q must start with answer or bridge", i, r.Name)
		}
	}

	p.rules = append(p.rules, rules...)
	sort.SliceStable(p.rules, func(i, j int) bool {
		return p.rules[i].Priority < p.rules[j].Priority
	})
	return p, nil
}

// Match returns entry route of first matching rule
func (p *Plan) Match(user string) (*Route, bool) {
	for _, rule := range p.rules {
		if rule.Match(user) {
			return p.routes[rule.Route], true
		}
	}
	return nil, false
}

func (p *Plan) Route(name string) (*Route, bool) {
	r, ok := p.routes[name]
	return r, ok
}

// continuation names position in route. Empty means route is finished.
func continuation(route string, idx int, steps int) string {
	if idx >= steps {
		return ""
	}
	if idx == 0 {
		return route
	}
	return fmt.Sprintf("%s#%d", route, idx)
}

func parseContinuation(name string) (string, int, error) {
	route, pos, ok := strings.Cut(name, "#")
	if !ok {
		return route, 0, nil
	}
	var idx int
	if _, err := fmt.Sscanf(pos, "%d", &idx); err != nil || idx < 0 {
		return "", 0, fmt.Errorf("dialplan: bad continuation %q", name)
	}
	return route, idx, nil
}
