package engine

import (
	"fmt"

	"reportline/internal/domain"
)

// Kind names the entity a transition applies to.
type Kind string

const (
	KindLaunch Kind = "launch"
	KindItem   Kind = "item"
)

// Event is what drives a transition out of the current status.
type Event string

const (
	EventFinish    Event = "finish"
	EventInterrupt Event = "interrupt"
)

type transitionKey struct {
	Kind  Kind
	From  domain.Status
	Event Event
}

// rule is either a no-op (the entity is already terminal) or a set of
// allowed target statuses.
type rule struct {
	noop    bool
	targets []domain.Status
}

func allow(targets ...domain.Status) rule { return rule{targets: targets} }

var noop = rule{noop: true}

// transitions is the complete lifecycle table. Keys missing from it are
// rejected.
var transitions = map[transitionKey]rule{
	{KindLaunch, domain.StatusInProgress, EventFinish}:     allow(domain.StatusPassed, domain.StatusFailed, domain.StatusStopped, domain.StatusInterrupted),
	{KindLaunch, domain.StatusInProgress, EventInterrupt}:  allow(domain.StatusInterrupted),
	{KindLaunch, domain.StatusPassed, EventFinish}:         noop,
	{KindLaunch, domain.StatusPassed, EventInterrupt}:      noop,
	{KindLaunch, domain.StatusFailed, EventFinish}:         noop,
	{KindLaunch, domain.StatusFailed, EventInterrupt}:      noop,
	{KindLaunch, domain.StatusStopped, EventFinish}:        noop,
	{KindLaunch, domain.StatusStopped, EventInterrupt}:     noop,
	{KindLaunch, domain.StatusInterrupted, EventFinish}:    noop,
	{KindLaunch, domain.StatusInterrupted, EventInterrupt}: noop,

	{KindItem, domain.StatusInProgress, EventFinish}:     allow(domain.StatusPassed, domain.StatusFailed, domain.StatusSkipped, domain.StatusStopped, domain.StatusInterrupted),
	{KindItem, domain.StatusInProgress, EventInterrupt}:  allow(domain.StatusInterrupted),
	{KindItem, domain.StatusPassed, EventFinish}:         noop,
	{KindItem, domain.StatusPassed, EventInterrupt}:      noop,
	{KindItem, domain.StatusFailed, EventFinish}:         noop,
	{KindItem, domain.StatusFailed, EventInterrupt}:      noop,
	{KindItem, domain.StatusSkipped, EventFinish}:        noop,
	{KindItem, domain.StatusSkipped, EventInterrupt}:     noop,
	{KindItem, domain.StatusStopped, EventFinish}:        noop,
	{KindItem, domain.StatusStopped, EventInterrupt}:     noop,
	{KindItem, domain.StatusInterrupted, EventFinish}:    noop,
	{KindItem, domain.StatusInterrupted, EventInterrupt}: noop,
}

// Transition looks up (kind, from, event) and checks requested against the
// allowed targets. changed is false when the entity is already terminal and
// the event must be treated as a successful no-op.
func Transition(kind Kind, from domain.Status, event Event, requested domain.Status) (to domain.Status, changed bool, err error) {
	r, ok := transitions[transitionKey{kind, from, event}]
	if !ok {
		return from, false, fmt.Errorf("%w: %s %s on %s", ErrInvalidTransition, kind, event, from)
	}
	if r.noop {
		return from, false, nil
	}
	for _, t := range r.targets {
		if t == requested {
			return requested, true, nil
		}
	}
	return from, false, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, requested)
}

// itemAggregate derives a parent item's status from its children when the
// finish event carries none.
func itemAggregate(children []domain.Status) domain.Status {
	if len(children) == 0 {
		return domain.StatusFailed
	}
	skipped := 0
	for _, s := range children {
		switch s {
		case domain.StatusFailed, domain.StatusInterrupted, domain.StatusStopped:
			return domain.StatusFailed
		case domain.StatusSkipped:
			skipped++
		}
	}
	if skipped == len(children) {
		return domain.StatusSkipped
	}
	return domain.StatusPassed
}

// launchAggregate derives a launch status from its root items.
func launchAggregate(roots []domain.Status) domain.Status {
	for _, s := range roots {
		if s != domain.StatusPassed {
			return domain.StatusFailed
		}
	}
	return domain.StatusPassed
}
