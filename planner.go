// Package planner assigns treated anomalies to maintenance windows.
//
// The package is pure computation over in-memory snapshots: it performs no
// I/O, never blocks and never mutates the slices or maps it is given. Time and
// identity come from an injected Clock and IDGenerator so that a pass is a
// deterministic function of its inputs.
package planner

import (
	"time"

	"github.com/google/uuid"
)

const (
	defaultMinScore          = 60
	defaultBufferHours       = 2
	defaultHours             = 8
	defaultReassignThreshold = 15
	targetUtilization        = 85
	underutilizedBelow       = 50
	overloadedAbove          = 95
)

// Policy holds the tunable rules of a scheduling pass.
type Policy struct {
	// MinScore is the lowest graded score accepted for an existing window.
	// Zero disables the gate.
	MinScore int
	// AcceptInProgress also schedules anomalies still in_progress.
	AcceptInProgress bool
	// ExcludeIneligible drops ineligible anomalies instead of reporting them
	// as unassigned.
	ExcludeIneligible bool
	// BufferHours is the setup/teardown overhead charged per assigned anomaly.
	BufferHours float64
	// DefaultHours is used when neither the anomaly nor its plan has a duration.
	DefaultHours float64
	// ReassignThreshold is the score gain the optimizer requires before
	// proposing a move.
	ReassignThreshold int
}

func DefaultPolicy() Policy {
	return Policy{
		MinScore:          defaultMinScore,
		BufferHours:       defaultBufferHours,
		DefaultHours:      defaultHours,
		ReassignThreshold: defaultReassignThreshold,
	}
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

type IDGenerator func() string

type Planner struct {
	policy Policy
	clock  Clock
	newID  IDGenerator
}

type Option func(*Planner)

func WithPolicy(p Policy) Option {
	return func(pl *Planner) { pl.policy = p }
}

func WithClock(c Clock) Option {
	return func(pl *Planner) { pl.clock = c }
}

func WithIDGenerator(gen IDGenerator) Option {
	return func(pl *Planner) { pl.newID = gen }
}

// New builds a Planner with DefaultPolicy, the wall clock and uuid ids unless
// overridden.
func New(opts ...Option) *Planner {
	p := &Planner{
		policy: DefaultPolicy(),
		clock:  ClockFunc(time.Now),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.policy.BufferHours < 0 {
		p.policy.BufferHours = 0
	}
	if p.policy.DefaultHours <= 0 {
		p.policy.DefaultHours = defaultHours
	}
	if p.policy.ReassignThreshold <= 0 {
		p.policy.ReassignThreshold = defaultReassignThreshold
	}
	return p
}

func (p *Planner) Policy() Policy {
	return p.policy
}

// Score grades a pair against the window's nominal capacity at the planner's
// current time.
func (p *Planner) Score(a Anomaly, w MaintenanceWindow, plan *ActionPlan) int {
	return Score(a, w, plan, p.clock.Now())
}

func (p *Planner) requiredHours(a Anomaly, plans map[string]ActionPlan) float64 {
	return RequiredHours(a, planFor(plans, a.ID), p.policy.DefaultHours)
}

// hoursLookup resolves required hours for anomalies referenced by window
// lists, falling back to the default for anomalies outside the snapshot.
func (p *Planner) hoursLookup(anomalies []Anomaly, plans map[string]ActionPlan) func(string) float64 {
	hours := make(map[string]float64, len(anomalies))
	for _, a := range anomalies {
		hours[a.ID] = p.requiredHours(a, plans)
	}
	return func(id string) float64 {
		if h, ok := hours[id]; ok {
			return h
		}
		if plan := planFor(plans, id); plan != nil && plan.DurationHours() > 0 {
			return plan.DurationHours()
		}
		return p.policy.DefaultHours
	}
}
