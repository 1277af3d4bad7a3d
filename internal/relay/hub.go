package relay

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/beacon/internal/cache"
	"github.com/haasonsaas/beacon/internal/observability"
	"github.com/haasonsaas/beacon/internal/optout"
	"github.com/haasonsaas/beacon/internal/presence"
)

// snowflakeRe matches Discord snowflake IDs.
var snowflakeRe = regexp.MustCompile(`^\d{17,19}$`)

// ErrUnknownSubject is the sentinel Resolver implementations return when the
// watched user is not visible in the guild. The hub translates it into a
// USER_NOT_FOUND relay error.
var ErrUnknownSubject = errors.New("unknown subject")

// Conn is one subscriber connection. The transport layer implements it;
// Send must be safe for concurrent use and must not block indefinitely.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

// Resolver looks up member and presence state from the upstream platform.
// Presence returns nil when the member has no tracked presence (offline).
type Resolver interface {
	ResolveMember(ctx context.Context, userID string) (*discordgo.Member, error)
	Presence(userID string) *discordgo.Presence
	Ready() bool
}

// Wire event names pushed to subscriber connections.
const (
	EventUserUpdate     = "userUpdate"
	EventActivityUpdate = "activityUpdate"
	EventError          = "error"
)

// UserUpdate is the payload pushed to user-scoped subscribers: the full
// snapshot tagged with the change that triggered it.
type UserUpdate struct {
	*presence.Snapshot
	UpdateType presence.ChangeKey `json:"updateType"`
}

// ActivityUpdate is the payload pushed to activity-scoped subscribers: a
// reduced view with only the activities matching the subscription filter.
type ActivityUpdate struct {
	UserID      string               `json:"userId"`
	Username    string               `json:"username"`
	DisplayName string               `json:"displayName"`
	Status      presence.Status      `json:"status"`
	Activities  []*presence.Activity `json:"activities"`
	Timestamp   int64                `json:"timestamp"`
}

// Subscription is one connection's interest: either a user-scoped
// subscription with change-key filters, or an activity-scoped one.
// A connection holds at most one subscription; subscribing again replaces it.
type Subscription struct {
	ConnID   string
	UserID   string
	Keys     []presence.ChangeKey
	Activity *presence.ActivityKey
}

// Topic returns the group this subscription belongs to.
func (s *Subscription) Topic() string {
	if s.Activity != nil {
		return activityTopic(s.UserID, *s.Activity)
	}
	return userTopic(s.UserID)
}

// Matches reports whether a user-scoped subscriber with this filter set
// should receive a notification tagged with key.
func (s *Subscription) Matches(key presence.ChangeKey) bool {
	for _, k := range s.Keys {
		if k == presence.ChangeAll || k == key {
			return true
		}
	}
	return false
}

func userTopic(userID string) string { return "user:" + userID }

func activityTopic(userID string, key presence.ActivityKey) string {
	return "activity:" + userID + ":" + key.String()
}

// Hub owns the subscription registry: connections, their subscriptions, and
// the topic groups that fan-out iterates. All maps are guarded by a single
// mutex; resolver round-trips happen outside it, so state is re-checked
// after every upstream call before acting on its result.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]Conn
	subs   map[string]*Subscription
	topics map[string]map[string]struct{}

	resolver Resolver
	optouts  optout.Store
	cache    *cache.SnapshotCache
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewHub creates a subscription hub.
func NewHub(resolver Resolver, optouts optout.Store, snapshots *cache.SnapshotCache, logger *observability.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		conns:    make(map[string]Conn),
		subs:     make(map[string]*Subscription),
		topics:   make(map[string]map[string]struct{}),
		resolver: resolver,
		optouts:  optouts,
		cache:    snapshots,
		logger:   logger,
		metrics:  metrics,
	}
}

// Register adds a connection to the hub. It must be called before the
// connection can subscribe.
func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.ID()] = conn
}

// Subscribe validates and commits a user-scoped subscription for connID,
// replacing any prior subscription, and pushes the current snapshot to the
// requesting connection only. Empty keys default to the all filter.
func (h *Hub) Subscribe(ctx context.Context, connID, userID string, keys []presence.ChangeKey) error {
	if !snowflakeRe.MatchString(userID) {
		return ErrInvalidFormat(userID)
	}
	if len(keys) == 0 {
		keys = []presence.ChangeKey{presence.ChangeAll}
	}
	var invalid []string
	for _, k := range keys {
		if !presence.IsValidChangeKey(k) {
			invalid = append(invalid, string(k))
		}
	}
	if len(invalid) > 0 {
		return ErrInvalidUpdateTypes("invalid update types: " + strings.Join(invalid, ", ")).WithSubject(userID)
	}

	if err := h.rejectOptedOut(ctx, userID); err != nil {
		return err
	}

	// Suspension point: the connection may drop and the subject may opt out
	// while the resolver round-trip is in flight.
	snap, err := h.resolveSnapshot(ctx, userID)
	if err != nil {
		return err
	}
	if err := h.rejectOptedOut(ctx, userID); err != nil {
		return err
	}

	h.mu.Lock()
	conn, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	h.removeSubscriptionLocked(connID)
	sub := &Subscription{ConnID: connID, UserID: userID, Keys: keys}
	h.addSubscriptionLocked(sub)
	h.mu.Unlock()

	h.logger.Info(ctx, "client subscribed",
		"conn_id", connID, "user_id", userID, "filters", strings.Join(keyStrings(keys), ","))

	if err := conn.Send(EventUserUpdate, &UserUpdate{Snapshot: snap, UpdateType: presence.ChangeAll}); err != nil {
		h.logger.Warn(ctx, "initial snapshot push failed", "conn_id", connID, "error", err)
	}
	return nil
}

// SubscribeActivity validates and commits an activity-scoped subscription,
// replacing any prior subscription, and pushes a filtered activity view to
// the requesting connection only. At least one of name and activityType must
// be given.
func (h *Hub) SubscribeActivity(ctx context.Context, connID, userID, name string, activityType *presence.ActivityType) error {
	if !snowflakeRe.MatchString(userID) {
		return ErrInvalidFormat(userID)
	}
	if name == "" && activityType == nil {
		return ErrInvalidActivityFilter("either activityName or activityType must be specified").WithSubject(userID)
	}
	var key presence.ActivityKey
	if name != "" {
		key = presence.NameKey(name)
	} else {
		key = presence.TypeKey(*activityType)
	}

	if err := h.rejectOptedOut(ctx, userID); err != nil {
		return err
	}

	snap, err := h.resolveSnapshot(ctx, userID)
	if err != nil {
		return err
	}
	if err := h.rejectOptedOut(ctx, userID); err != nil {
		return err
	}

	h.mu.Lock()
	conn, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	h.removeSubscriptionLocked(connID)
	sub := &Subscription{ConnID: connID, UserID: userID, Activity: &key}
	h.addSubscriptionLocked(sub)
	h.mu.Unlock()

	h.logger.Info(ctx, "client subscribed to activity",
		"conn_id", connID, "user_id", userID, "activity", key.String())

	if err := conn.Send(EventActivityUpdate, activityView(snap, key)); err != nil {
		h.logger.Warn(ctx, "initial activity push failed", "conn_id", connID, "error", err)
	}
	return nil
}

// Unsubscribe removes connID's subscription. No-op when none exists; the
// connection stays registered.
func (h *Hub) Unsubscribe(ctx context.Context, connID string) {
	h.mu.Lock()
	sub := h.subs[connID]
	h.removeSubscriptionLocked(connID)
	h.mu.Unlock()

	if sub != nil {
		h.logger.Info(ctx, "client unsubscribed", "conn_id", connID, "user_id", sub.UserID)
	}
}

// Disconnect removes the connection and its subscription. Called by the
// transport layer when the socket closes.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	h.mu.Lock()
	h.removeSubscriptionLocked(connID)
	delete(h.conns, connID)
	h.mu.Unlock()

	h.logger.Info(ctx, "client disconnected", "conn_id", connID)
}

// GetSnapshot serves the pull path: validate, enforce opt-out, then resolve
// through the cache.
func (h *Hub) GetSnapshot(ctx context.Context, userID string) (*presence.Snapshot, error) {
	if !snowflakeRe.MatchString(userID) {
		return nil, ErrInvalidFormat(userID)
	}
	if err := h.rejectOptedOut(ctx, userID); err != nil {
		return nil, err
	}
	return h.resolveSnapshot(ctx, userID)
}

// Subscription returns connID's current subscription, or nil.
func (h *Hub) Subscription(connID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs[connID]
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// SubscriptionCount returns the number of committed subscriptions.
func (h *Hub) SubscriptionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// subscriber pairs a live connection with its subscription for fan-out.
type subscriber struct {
	conn Conn
	sub  *Subscription
}

// topicSubscribers snapshots the live members of a topic group.
func (h *Hub) topicSubscribers(topic string) []subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	group := h.topics[topic]
	if len(group) == 0 {
		return nil
	}
	members := make([]subscriber, 0, len(group))
	for connID := range group {
		conn, ok := h.conns[connID]
		sub := h.subs[connID]
		if ok && sub != nil {
			members = append(members, subscriber{conn: conn, sub: sub})
		}
	}
	return members
}

func (h *Hub) addSubscriptionLocked(sub *Subscription) {
	h.subs[sub.ConnID] = sub
	topic := sub.Topic()
	group, ok := h.topics[topic]
	if !ok {
		group = make(map[string]struct{})
		h.topics[topic] = group
	}
	group[sub.ConnID] = struct{}{}
	h.metrics.ActiveSubscriptions.WithLabelValues(sub.kind()).Inc()
}

func (h *Hub) removeSubscriptionLocked(connID string) {
	sub, ok := h.subs[connID]
	if !ok {
		return
	}
	delete(h.subs, connID)
	topic := sub.Topic()
	if group, ok := h.topics[topic]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(h.topics, topic)
		}
	}
	h.metrics.ActiveSubscriptions.WithLabelValues(sub.kind()).Dec()
}

func (s *Subscription) kind() string {
	if s.Activity != nil {
		return "activity"
	}
	return "user"
}

// rejectOptedOut returns a typed error when the subject opted out. Store
// failures surface as validation errors rather than leaking internals.
func (h *Hub) rejectOptedOut(ctx context.Context, userID string) error {
	optedOut, err := h.optouts.IsOptedOut(ctx, userID)
	if err != nil {
		return ErrValidation("failed to check opt-out state", err).WithSubject(userID)
	}
	if optedOut {
		return ErrUserOptedOut(userID)
	}
	return nil
}

// resolveSnapshot returns the subject's snapshot, from cache when fresh,
// otherwise fetched through the resolver and cached.
func (h *Hub) resolveSnapshot(ctx context.Context, userID string) (*presence.Snapshot, error) {
	if snap, ok := h.cache.Get(userID); ok {
		h.metrics.CacheHits.Inc()
		h.metrics.UpstreamResolves.WithLabelValues("hit").Inc()
		return snap, nil
	}
	h.metrics.CacheMisses.Inc()

	if !h.resolver.Ready() {
		return nil, ErrNotReady()
	}
	member, err := h.resolver.ResolveMember(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUnknownSubject) {
			h.metrics.UpstreamResolves.WithLabelValues("not_found").Inc()
			return nil, ErrUserNotFound(userID)
		}
		h.metrics.UpstreamResolves.WithLabelValues("error").Inc()
		return nil, ErrFetch(userID, err)
	}

	snap := presence.BuildSnapshot(member.User, member, h.resolver.Presence(userID))
	h.cache.Put(userID, snap)
	h.metrics.UpstreamResolves.WithLabelValues("fetched").Inc()
	return snap, nil
}

// activityView reduces a snapshot to the activities matching an activity
// subscription key.
func activityView(snap *presence.Snapshot, key presence.ActivityKey) *ActivityUpdate {
	var matched []*presence.Activity
	if key.ByType {
		matched = presence.FilterActivitiesByType(snap.Activities, key.Type)
	} else {
		matched = presence.FilterActivitiesByName(snap.Activities, key.Name)
	}
	return &ActivityUpdate{
		UserID:      snap.ID,
		Username:    snap.Username,
		DisplayName: snap.DisplayName,
		Status:      snap.Status,
		Activities:  matched,
		Timestamp:   time.Now().UnixMilli(),
	}
}

func keyStrings(keys []presence.ChangeKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}
