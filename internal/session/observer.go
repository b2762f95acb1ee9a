package session

import (
	"onboardvoice/internal/conversation"
	"onboardvoice/internal/model"
	"onboardvoice/internal/progress"

	"go.uber.org/zap"
)

// Publisher fans session events out to UI hosts.
type Publisher interface {
	PublishSession(sessionID string, event map[string]interface{}) error
}

// busObserver turns controller notifications into session channel events.
type busObserver struct {
	bus      Publisher
	log      *zap.Logger
	redirect func(sessionID, kind string) string
}

func newBusObserver(bus Publisher, log *zap.Logger, redirect func(sessionID, kind string) string) *busObserver {
	return &busObserver{bus: bus, log: log, redirect: redirect}
}

func (o *busObserver) publish(sessionID string, event map[string]interface{}) {
	if err := o.bus.PublishSession(sessionID, event); err != nil {
		o.log.Warn("Failed to publish session event",
			zap.String("session_id", sessionID),
			zap.Any("type", event["type"]),
			zap.Error(err),
		)
	}
}

func (o *busObserver) TurnAppended(sessionID string, turn model.Turn) {
	o.publish(sessionID, map[string]interface{}{
		"type":    "turn",
		"speaker": turn.Speaker,
		"text":    turn.Text,
	})
}

func (o *busObserver) StateChanged(sessionID string, from, to model.State) {
	o.publish(sessionID, map[string]interface{}{
		"type": "state",
		"from": from,
		"to":   to,
	})
}

func (o *busObserver) ProgressChanged(sessionID string, pos model.Position) {
	o.publish(sessionID, map[string]interface{}{
		"type":     "progress",
		"position": pos,
		"stage":    progress.StageName(pos),
	})
}

// ExternalActionRequested carries the provider redirect so hosts can follow
// actions the agent started on its own.
func (o *busObserver) ExternalActionRequested(sessionID, kind string) {
	event := map[string]interface{}{
		"type":   "external_action",
		"action": kind,
	}
	if u := o.redirect(sessionID, kind); u != "" {
		event["redirectUrl"] = u
	}
	o.publish(sessionID, event)
}

func (o *busObserver) Completed(sessionID string, fields model.Fields) {
	o.publish(sessionID, map[string]interface{}{
		"type":   "completed",
		"fields": fields,
	})
}

// completionObserver forwards everything and calls done once the
// conversation completes.
type completionObserver struct {
	conversation.Observer
	done func()
}

func (o completionObserver) Completed(sessionID string, fields model.Fields) {
	o.Observer.Completed(sessionID, fields)
	o.done()
}
