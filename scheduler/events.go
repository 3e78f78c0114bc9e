package scheduler

import (
	"time"

	"github.com/NakedTrashPanda/autoshift/keys"
)

// EventKind discriminates scheduler events.
type EventKind string

const (
	EventCycleStarted  EventKind = "cycle_started"
	EventKeyRedeemed   EventKind = "key_redeemed"
	EventCycleFinished EventKind = "cycle_finished"
)

// Event is a structured notification emitted by the scheduler. A
// presentation layer subscribes through WithEvents instead of capturing the
// engine's console output.
type Event struct {
	Kind    EventKind
	CycleID string
	At      time.Time

	// Key and Status are set for EventKeyRedeemed.
	Key    *keys.Key
	Status *keys.Status

	// Summary is set for EventCycleFinished.
	Summary *RunSummary
}

// EventFunc receives scheduler events. It is called synchronously from the
// cycle loop and must not block.
type EventFunc func(Event)

func (s *Scheduler) emit(ev Event) {
	if s.events == nil {
		return
	}
	ev.At = s.nowTime()
	s.events(ev)
}
