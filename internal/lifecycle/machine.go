package lifecycle

import (
	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/models"
)

type Event string

const (
	EventApprove     Event = "approve"
	EventReject      Event = "reject"
	EventStart       Event = "start"
	EventProvisioned Event = "provisioned"
	EventFail        Event = "fail"
	EventRetry       Event = "retry"
	EventSuspend     Event = "suspend"
	EventReactivate  Event = "reactivate"
	EventCancel      Event = "cancel"
	EventPurge       Event = "purge"
)

var AllEvents = []Event{
	EventApprove, EventReject, EventStart, EventProvisioned, EventFail,
	EventRetry, EventSuspend, EventReactivate, EventCancel, EventPurge,
}

var transitions = map[models.State]map[Event]models.State{
	models.StatePending: {
		EventApprove: models.StateApproved,
		EventReject:  models.StateRejected,
		EventCancel:  models.StateCancelled,
	},
	models.StateApproved: {
		EventStart:  models.StateProvisioning,
		EventReject: models.StateRejected,
		EventCancel: models.StateCancelled,
	},
	models.StateProvisioning: {
		EventProvisioned: models.StateActive,
		EventFail:        models.StateError,
		EventCancel:      models.StateCancelled,
	},
	models.StateActive: {
		EventSuspend: models.StateSuspended,
		EventCancel:  models.StateCancelled,
	},
	models.StateSuspended: {
		EventReactivate: models.StateActive,
		EventCancel:     models.StateCancelled,
	},
	models.StateError: {
		EventRetry:  models.StateProvisioning,
		EventCancel: models.StateCancelled,
	},
	models.StateCancelled: {
		EventPurge: models.StateCancelled,
	},
}

// Next returns the state reached from "from" on ev, or an invalid
// transition error for any pair outside the table.
func Next(from models.State, ev Event) (models.State, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return from, apperrors.InvalidTransition(string(from), string(ev))
	}
	return to, nil
}

// AllowedEvents lists the events accepted in state s, in AllEvents order.
func AllowedEvents(s models.State) []Event {
	var out []Event
	for _, ev := range AllEvents {
		if _, ok := transitions[s][ev]; ok {
			out = append(out, ev)
		}
	}
	return out
}
