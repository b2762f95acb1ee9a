package conversation

import "onboardvoice/internal/model"

// Outbox buffers observer notifications produced while a controller holds its
// lock so they can be delivered after the lock is released.
type Outbox struct {
	pending []func(Observer)
}

func (o *Outbox) Turn(sessionID string, turn model.Turn) {
	o.pending = append(o.pending, func(obs Observer) { obs.TurnAppended(sessionID, turn) })
}

func (o *Outbox) State(sessionID string, from, to model.State) {
	o.pending = append(o.pending, func(obs Observer) { obs.StateChanged(sessionID, from, to) })
}

func (o *Outbox) Progress(sessionID string, pos model.Position) {
	o.pending = append(o.pending, func(obs Observer) { obs.ProgressChanged(sessionID, pos) })
}

func (o *Outbox) ExternalAction(sessionID, kind string) {
	o.pending = append(o.pending, func(obs Observer) { obs.ExternalActionRequested(sessionID, kind) })
}

func (o *Outbox) Completed(sessionID string, fields model.Fields) {
	o.pending = append(o.pending, func(obs Observer) { obs.Completed(sessionID, fields) })
}

// Take returns the buffered notifications and empties the outbox
func (o *Outbox) Take() []func(Observer) {
	out := o.pending
	o.pending = nil
	return out
}

// Deliver runs notifications against obs
func Deliver(obs Observer, notes []func(Observer)) {
	if obs == nil {
		return
	}
	for _, n := range notes {
		n(obs)
	}
}
