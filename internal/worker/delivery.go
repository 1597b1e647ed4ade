package worker

import (
	"context"
	"encoding/json"

	"go.uber.org/multierr"

	"github.com/rbrinkke/notifications-service/pkg/bus"
	"github.com/rbrinkke/notifications-service/pkg/db/models"
	pkgerrors "github.com/rbrinkke/notifications-service/pkg/errors"
	"github.com/rbrinkke/notifications-service/pkg/fcm"
)

type deliveryOutcome string

const (
	outcomeBus       deliveryOutcome = "bus"
	outcomePush      deliveryOutcome = "push"
	outcomeBroadcast deliveryOutcome = "broadcast"
	outcomeFailed    deliveryOutcome = "failed"
)

const (
	userTopic          = "notifications"
	broadcastTopic     = "global_notifications"
	broadcastPushTopic = "all"
	syncNotifyEvent    = "sync_notify"
)

// handleRow runs one notification through the delivery state machine and
// commits its outcome. Within a row the bus attempt strictly precedes the
// push attempt.
func (s *Service) handleRow(ctx context.Context, row models.Notification) deliveryOutcome {
	ctx = s.logg.WithFields(ctx, map[string]any{
		"notification_id":   row.ID.String(),
		"user_id":           row.UserID.String(),
		"notification_type": row.NotificationType,
	})

	if row.IsBroadcast() {
		return s.handleBroadcast(ctx, row)
	}

	if delivered := s.tryBus(ctx, row); delivered {
		s.commitSuccess(ctx, row)
		return outcomeBus
	}

	if err := s.tryPush(ctx, row); err != nil {
		s.commitFailure(ctx, row, err)
		return outcomeFailed
	}

	s.commitSuccess(ctx, row)
	return outcomePush
}

// tryBus publishes the sync signal to the user's realtime connections.
// Anything short of a confirmed delivery to a connected subscriber falls
// through to push.
func (s *Service) tryBus(ctx context.Context, row models.Notification) bool {
	if s.bus == nil {
		return false
	}

	payload, err := json.Marshal(syncNotifyPayload{Type: syncNotifyEvent, Count: 1})
	if err != nil {
		s.logg.Error(ctx, "encoding sync payload failed", err)
		return false
	}

	result, err := s.bus.PublishToUser(ctx, row.UserID, bus.Envelope{
		Topic:     userTopic,
		EventType: syncNotifyEvent,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.metrics.IncBusPublish("error")
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "bus publish failed, falling back to push")
		return false
	}
	if !result.DeliveredToSubscriber() {
		s.metrics.IncBusPublish("no_subscribers")
		s.logg.Debug(ctx, "user has no active connections, falling back to push")
		return false
	}

	s.metrics.IncBusPublish("delivered")
	s.logg.Info(ctx, "delivered via bus")
	return true
}

// tryPush multicasts to the user's registered devices. It returns nil when
// at least one token accepted the message.
func (s *Service) tryPush(ctx context.Context, row models.Notification) error {
	if s.push == nil {
		return pkgerrors.New(pkgerrors.CodeTransportTransient, "push transport not configured")
	}

	registered, err := s.devices.ListForUser(ctx, row.UserID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDatabase, err, "listing devices")
	}
	if len(registered) == 0 {
		return pkgerrors.New(pkgerrors.CodeNoDevices, "no_devices")
	}

	msg := fcm.Message{
		Title:    row.Title,
		Body:     row.Message,
		Data:     pushData(row),
		Priority: row.Priority,
	}

	successes := 0
	var errs []error
	for _, device := range registered {
		outcome, sendErr := s.push.Send(ctx, fcm.Target{Token: device.Token}, msg)
		s.metrics.IncFCMSend(string(outcome))

		deviceCtx := s.logg.WithField(ctx, "token", fcm.MaskToken(device.Token))
		switch {
		case outcome == fcm.OutcomeOK:
			successes++
		case outcome.RemovesToken():
			s.logg.Warn(deviceCtx, "token no longer registered, removing")
			if removeErr := s.devices.Remove(ctx, row.UserID, device.Token); removeErr != nil {
				s.logg.Error(deviceCtx, "removing dead token failed", removeErr)
			} else {
				s.metrics.IncTokenRemoved()
			}
			errs = append(errs, pkgerrors.Wrap(pkgerrors.CodeTokenInvalid, sendErr, "dead token"))
		default:
			s.logg.Warn(s.logg.WithField(deviceCtx, "error", sendErr.Error()), "push send failed")
			errs = append(errs, sendErr)
		}
	}

	if successes > 0 {
		s.logg.Info(s.logg.WithField(ctx, "devices", successes), "delivered via push")
		return nil
	}

	combined := multierr.Combine(errs...)
	if allTokensDead(errs) {
		// Every registration was reaped; the next attempt will see an empty
		// registry, so report it that way now.
		return pkgerrors.Wrap(pkgerrors.CodeNoDevices, combined, "no_devices")
	}
	return pkgerrors.Wrap(pkgerrors.CodeTransportTransient, combined, "all push attempts failed")
}

// handleBroadcast fans the row out to the global bus topic and the "all"
// push topic. Broadcasts are best effort and never block the queue: the row
// goes terminal on its first processing regardless of transport outcomes.
func (s *Service) handleBroadcast(ctx context.Context, row models.Notification) deliveryOutcome {
	busOK := false
	pushOK := false

	if s.bus != nil {
		payload, err := json.Marshal(broadcastPayload{
			ID:               row.ID.String(),
			Title:            row.Title,
			Message:          row.Message,
			NotificationType: row.NotificationType,
			Payload:          row.Payload,
		})
		if err != nil {
			s.logg.Error(ctx, "encoding broadcast payload failed", err)
		} else if _, err := s.bus.PublishToTopic(ctx, broadcastTopic, bus.Envelope{
			Topic:     broadcastTopic,
			EventType: syncNotifyEvent,
			Payload:   payload,
			CreatedAt: s.now().UTC(),
		}); err != nil {
			s.metrics.IncBusPublish("error")
			s.logg.Error(ctx, "broadcast bus publish failed", err)
		} else {
			s.metrics.IncBusPublish("delivered")
			busOK = true
		}
	}

	if s.push != nil {
		outcome, err := s.push.Send(ctx, fcm.Target{Topic: broadcastPushTopic}, fcm.Message{
			Title:    row.Title,
			Body:     row.Message,
			Data:     pushData(row),
			Priority: row.Priority,
		})
		s.metrics.IncFCMSend(string(outcome))
		if outcome == fcm.OutcomeOK {
			pushOK = true
		} else {
			s.logg.Error(ctx, "broadcast push failed", err)
		}
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"bus":  busOK,
		"push": pushOK,
	}), "broadcast processed")

	if !busOK && !pushOK {
		// Terminal either way; the failure record keeps last_error visible.
		err := s.commit(ctx, func(ctx context.Context) error {
			_, failErr := s.queue.RecordFailure(ctx, row.ID, "broadcast failed on all transports", 1)
			return failErr
		})
		if err != nil {
			s.logg.Error(ctx, "committing broadcast failure failed", err)
		}
		return outcomeBroadcast
	}

	s.commitSuccess(ctx, row)
	return outcomeBroadcast
}

func (s *Service) commitSuccess(ctx context.Context, row models.Notification) {
	err := s.commit(ctx, func(ctx context.Context) error {
		updated, err := s.queue.RecordSuccess(ctx, row.ID)
		if err != nil {
			return err
		}
		if !updated {
			// Another worker already closed the row; the conditional update
			// makes this race harmless.
			s.logg.Warn(ctx, "row already terminal on success commit")
		}
		return nil
	})
	if err != nil {
		s.logg.Error(ctx, "committing success failed, row stays pending", err)
	}
}

func (s *Service) commitFailure(ctx context.Context, row models.Notification, cause error) {
	detail := cause.Error()
	err := s.commit(ctx, func(ctx context.Context) error {
		result, err := s.queue.RecordFailure(ctx, row.ID, detail, s.cfg.MaxRetries)
		if err != nil {
			return err
		}
		ctx = s.logg.WithField(ctx, "error_count", result.ErrorCount)
		if result.ShouldStop {
			s.logg.Warn(ctx, "max retries reached, row is terminal")
		} else {
			s.logg.Debug(ctx, "failure recorded, row will be retried")
		}
		return nil
	})
	if err != nil {
		s.logg.Error(ctx, "committing failure failed, row stays pending", err)
	}
}

type syncNotifyPayload struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type broadcastPayload struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Message          string          `json:"message"`
	NotificationType string          `json:"notification_type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

func allTokensDead(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if pkgerrors.CodeOf(err) != pkgerrors.CodeTokenInvalid {
			return false
		}
	}
	return true
}

// pushData flattens the row payload into the string map FCM requires and
// overlays the routing keys clients rely on.
func pushData(row models.Notification) map[string]string {
	data := make(map[string]string)

	if len(row.Payload) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(row.Payload, &decoded); err == nil {
			for key, value := range decoded {
				switch typed := value.(type) {
				case string:
					data[key] = typed
				default:
					if encoded, err := json.Marshal(typed); err == nil {
						data[key] = string(encoded)
					}
				}
			}
		}
	}

	data["notification_id"] = row.ID.String()
	data["type"] = row.NotificationType
	if row.DeepLink != nil && *row.DeepLink != "" {
		data["deep_link"] = *row.DeepLink
	}
	return data
}
