package relay

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/beacon/internal/cache"
	"github.com/haasonsaas/beacon/internal/debounce"
	"github.com/haasonsaas/beacon/internal/observability"
	"github.com/haasonsaas/beacon/internal/presence"
)

// Watcher turns raw gateway events into debounced dispatches. Each event
// invalidates the subject's cached snapshot, classifies what changed, and
// schedules one notification per (subject, change-key) through the debounce
// window. Events that touch no classified field still schedule an `all`
// notification so coarse subscribers see the update.
type Watcher struct {
	dispatcher *Dispatcher
	debouncer  *debounce.Scheduler
	cache      *cache.SnapshotCache
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewWatcher creates a watcher feeding the dispatcher via the debouncer.
func NewWatcher(dispatcher *Dispatcher, debouncer *debounce.Scheduler, snapshots *cache.SnapshotCache, logger *observability.Logger, metrics *observability.Metrics) *Watcher {
	return &Watcher{
		dispatcher: dispatcher,
		debouncer:  debouncer,
		cache:      snapshots,
		logger:     logger,
		metrics:    metrics,
	}
}

// HandlePresenceUpdate processes one presence transition for a subject.
// old may be nil when the subject had no previously observed presence.
func (w *Watcher) HandlePresenceUpdate(old, current *discordgo.Presence) {
	if current == nil || current.User == nil {
		return
	}
	userID := current.User.ID
	w.metrics.PresenceEvents.WithLabelValues("presence").Inc()
	w.cache.Invalidate(userID)

	keys := presence.DetectPresenceChanges(old, current)
	if len(keys) == 0 {
		keys = []presence.ChangeKey{presence.ChangeAll}
	}
	for _, key := range keys {
		w.metrics.RecordChange(string(key))
		w.scheduleUser(userID, key)
	}

	for _, akey := range presence.DetectActivityChanges(old, current) {
		w.metrics.RecordChange("activity")
		w.scheduleActivity(userID, akey)
	}
}

// HandleMemberUpdate processes a profile change (username, avatar, display
// name). old may be nil when no prior member state was cached.
func (w *Watcher) HandleMemberUpdate(old, current *discordgo.Member) {
	if current == nil || current.User == nil {
		return
	}
	userID := current.User.ID
	w.metrics.PresenceEvents.WithLabelValues("member").Inc()
	w.cache.Invalidate(userID)

	keys := presence.DetectMemberChanges(old, current)
	if len(keys) == 0 {
		keys = []presence.ChangeKey{presence.ChangeAll}
	}
	for _, key := range keys {
		w.metrics.RecordChange(string(key))
		w.scheduleUser(userID, key)
	}
}

func (w *Watcher) scheduleUser(userID string, key presence.ChangeKey) {
	w.metrics.DebounceScheduled.Inc()
	w.debouncer.Schedule(userID+":"+string(key), func() {
		w.dispatcher.NotifyUser(context.Background(), userID, key)
	})
}

func (w *Watcher) scheduleActivity(userID string, key presence.ActivityKey) {
	w.metrics.DebounceScheduled.Inc()
	w.debouncer.Schedule("activity:"+userID+":"+key.String(), func() {
		w.dispatcher.NotifyActivity(context.Background(), userID, key)
	})
}
