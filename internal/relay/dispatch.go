package relay

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/beacon/internal/observability"
	"github.com/haasonsaas/beacon/internal/presence"
)

// Dispatcher fans a ready notification out to every subscriber whose filter
// matches. It runs on the debounce timer path, so it has no requesting
// connection: resolution failures are logged and the cycle is dropped, never
// retried. The next real change re-triggers detection.
type Dispatcher struct {
	hub     *Hub
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewDispatcher creates a fan-out dispatcher over the hub.
func NewDispatcher(hub *Hub, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Dispatcher {
	return &Dispatcher{hub: hub, logger: logger, metrics: metrics, tracer: tracer}
}

// NotifyUser delivers the subject's current snapshot, tagged with key, to
// every user-scoped subscriber whose filter matches. Opted-out subjects are
// silently dropped regardless of subscriber count.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, key presence.ChangeKey) {
	ctx = observability.WithUserID(ctx, userID)
	ctx, span := d.tracer.Start(ctx, "relay.notify_user",
		attribute.String("user.id", userID),
		attribute.String("change.key", string(key)))
	defer span.End()

	topic := userTopic(userID)
	if len(d.hub.topicSubscribers(topic)) == 0 {
		d.metrics.RecordSuppressed("no_subscribers")
		return
	}

	optedOut, err := d.hub.optouts.IsOptedOut(ctx, userID)
	if err != nil {
		d.logger.Error(ctx, "opt-out check failed, dropping notification", "error", err)
		d.metrics.RecordSuppressed("fetch_error")
		return
	}
	if optedOut {
		d.metrics.RecordSuppressed("optout")
		return
	}

	snap, err := d.hub.resolveSnapshot(ctx, userID)
	if err != nil {
		d.tracer.RecordError(span, err)
		d.logger.Warn(ctx, "snapshot resolution failed, dropping notification",
			"change", string(key), "error", err)
		d.metrics.RecordSuppressed("fetch_error")
		return
	}

	// The resolver round-trip is a suspension point: re-check opt-out and
	// membership against current state before emitting.
	if optedOut, err := d.hub.optouts.IsOptedOut(ctx, userID); err != nil || optedOut {
		d.metrics.RecordSuppressed("optout")
		return
	}

	for _, member := range d.hub.topicSubscribers(topic) {
		if !member.sub.Matches(key) {
			continue
		}
		if err := member.conn.Send(EventUserUpdate, &UserUpdate{Snapshot: snap, UpdateType: key}); err != nil {
			d.logger.Warn(ctx, "push failed", "conn_id", member.conn.ID(), "error", err)
			continue
		}
		d.metrics.RecordDelivery(EventUserUpdate)
	}
}

// NotifyActivity delivers a filtered activity view to the subscribers of one
// activity topic group. Group membership is the filter; every member
// receives the view.
func (d *Dispatcher) NotifyActivity(ctx context.Context, userID string, key presence.ActivityKey) {
	ctx = observability.WithUserID(ctx, userID)
	ctx, span := d.tracer.Start(ctx, "relay.notify_activity",
		attribute.String("user.id", userID),
		attribute.String("activity.key", key.String()))
	defer span.End()

	topic := activityTopic(userID, key)
	if len(d.hub.topicSubscribers(topic)) == 0 {
		d.metrics.RecordSuppressed("no_subscribers")
		return
	}

	optedOut, err := d.hub.optouts.IsOptedOut(ctx, userID)
	if err != nil {
		d.logger.Error(ctx, "opt-out check failed, dropping notification", "error", err)
		d.metrics.RecordSuppressed("fetch_error")
		return
	}
	if optedOut {
		d.metrics.RecordSuppressed("optout")
		return
	}

	snap, err := d.hub.resolveSnapshot(ctx, userID)
	if err != nil {
		d.tracer.RecordError(span, err)
		d.logger.Warn(ctx, "snapshot resolution failed, dropping notification",
			"activity", key.String(), "error", err)
		d.metrics.RecordSuppressed("fetch_error")
		return
	}

	if optedOut, err := d.hub.optouts.IsOptedOut(ctx, userID); err != nil || optedOut {
		d.metrics.RecordSuppressed("optout")
		return
	}

	view := activityView(snap, key)
	for _, member := range d.hub.topicSubscribers(topic) {
		if err := member.conn.Send(EventActivityUpdate, view); err != nil {
			d.logger.Warn(ctx, "push failed", "conn_id", member.conn.ID(), "error", err)
			continue
		}
		d.metrics.RecordDelivery(EventActivityUpdate)
	}
}
