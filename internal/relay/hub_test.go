package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/beacon/internal/cache"
	"github.com/haasonsaas/beacon/internal/observability"
	"github.com/haasonsaas/beacon/internal/optout"
	"github.com/haasonsaas/beacon/internal/presence"
)

const (
	aliceID = "100000000000000001"
	bobID   = "100000000000000002"
)

type sentEvent struct {
	event   string
	payload any
}

type fakeConn struct {
	id string

	mu       sync.Mutex
	events   []sentEvent
	failSend bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("socket closed")
	}
	c.events = append(c.events, sentEvent{event: event, payload: payload})
	return nil
}

func (c *fakeConn) sent() []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

type fakeResolver struct {
	mu        sync.Mutex
	members   map[string]*discordgo.Member
	presences map[string]*discordgo.Presence
	notReady  bool
	fail      error
	calls     int
}

func (r *fakeResolver) ResolveMember(ctx context.Context, userID string) (*discordgo.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return nil, r.fail
	}
	m, ok := r.members[userID]
	if !ok {
		return nil, ErrUnknownSubject
	}
	return m, nil
}

func (r *fakeResolver) Presence(userID string) *discordgo.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presences[userID]
}

func (r *fakeResolver) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.notReady
}

func (r *fakeResolver) resolveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeResolver) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func member(id, username string) *discordgo.Member {
	return &discordgo.Member{User: &discordgo.User{ID: id, Username: username, GlobalName: username}}
}

type testRig struct {
	hub        *Hub
	dispatcher *Dispatcher
	resolver   *fakeResolver
	optouts    *optout.MemoryStore
	cache      *cache.SnapshotCache
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	resolver := &fakeResolver{
		members:   map[string]*discordgo.Member{aliceID: member(aliceID, "alice")},
		presences: map[string]*discordgo.Presence{},
	}
	optouts := optout.NewMemoryStore()
	snapshots := cache.NewSnapshotCache(cache.Options{})
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	tracer, _ := observability.NewTracer(observability.TraceConfig{})

	hub := NewHub(resolver, optouts, snapshots, logger, metrics)
	return &testRig{
		hub:        hub,
		dispatcher: NewDispatcher(hub, logger, metrics, tracer),
		resolver:   resolver,
		optouts:    optouts,
		cache:      snapshots,
	}
}

func (r *testRig) connect(id string) *fakeConn {
	conn := &fakeConn{id: id}
	r.hub.Register(conn)
	return conn
}

func errCode(t *testing.T, err error) ErrorCode {
	t.Helper()
	var rErr *Error
	if !errors.As(err, &rErr) {
		t.Fatalf("expected relay error, got %v", err)
	}
	return rErr.Code
}

func TestSubscribe_RejectsMalformedID(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("c1")

	for _, id := range []string{"", "abc", "123", "12345678901234567890"} {
		err := rig.hub.Subscribe(context.Background(), "c1", id, nil)
		if got := errCode(t, err); got != ErrCodeInvalidFormat {
			t.Errorf("id %q: code = %s, want INVALID_FORMAT", id, got)
		}
	}
	if rig.hub.SubscriptionCount() != 0 {
		t.Error("rejected subscribe must not commit membership")
	}
	if rig.resolver.resolveCalls() != 0 {
		t.Error("rejected subscribe must not hit the resolver")
	}
}

func TestSubscribe_RejectsUnknownFilterTokens(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("c1")

	err := rig.hub.Subscribe(context.Background(), "c1", aliceID,
		[]presence.ChangeKey{presence.ChangeStatus, "mood"})
	if got := errCode(t, err); got != ErrCodeInvalidUpdateTypes {
		t.Fatalf("code = %s, want INVALID_UPDATE_TYPES", got)
	}
	if rig.hub.SubscriptionCount() != 0 {
		t.Error("rejected subscribe must not commit membership")
	}
}

func TestSubscribe_RejectsOptedOutSubject(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("c1")
	if err := rig.optouts.OptOut(context.Background(), aliceID); err != nil {
		t.Fatal(err)
	}

	err := rig.hub.Subscribe(context.Background(), "c1", aliceID, nil)
	if got := errCode(t, err); got != ErrCodeUserOptedOut {
		t.Fatalf("code = %s, want USER_OPTED_OUT", got)
	}
	if rig.hub.SubscriptionCount() != 0 {
		t.Error("opted-out subscribe must not commit membership")
	}
	if rig.resolver.resolveCalls() != 0 {
		t.Error("opted-out subscribe must not hit the resolver")
	}
}

func TestSubscribe_UnknownSubject(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("c1")

	err := rig.hub.Subscribe(context.Background(), "c1", bobID, nil)
	if got := errCode(t, err); got != ErrCodeUserNotFound {
		t.Fatalf("code = %s, want USER_NOT_FOUND", got)
	}
}

func TestSubscribe_UpstreamNotReady(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("c1")
	rig.resolver.notReady = true

	err := rig.hub.Subscribe(context.Background(), "c1", aliceID, nil)
	if got := errCode(t, err); got != ErrCodeNotReady {
		t.Fatalf("code = %s, want NOT_READY", got)
	}
}

func TestSubscribe_PushesInitialSnapshotToRequesterOnly(t *testing.T) {
	rig := newTestRig(t)
	c1 := rig.connect("c1")
	c2 := rig.connect("c2")

	if err := rig.hub.Subscribe(context.Background(), "c2", aliceID, nil); err != nil {
		t.Fatal(err)
	}
	c2.reset()

	if err := rig.hub.Subscribe(context.Background(), "c1", aliceID, nil); err != nil {
		t.Fatal(err)
	}

	got := c1.sent()
	if len(got) != 1 || got[0].event != EventUserUpdate {
		t.Fatalf("requester events = %+v, want one userUpdate", got)
	}
	update, ok := got[0].payload.(*UserUpdate)
	if !ok {
		t.Fatalf("payload type = %T", got[0].payload)
	}
	if update.ID != aliceID || update.UpdateType != presence.ChangeAll {
		t.Errorf("initial push = id %s type %s, want %s/all", update.ID, update.UpdateType, aliceID)
	}
	if len(c2.sent()) != 0 {
		t.Error("initial snapshot leaked to a non-requesting subscriber")
	}
}

func TestSubscribe_ReplacesPriorSubscription(t *testing.T) {
	rig := newTestRig(t)
	rig.resolver.members[bobID] = member(bobID, "bob")
	conn := rig.connect("c1")

	if err := rig.hub.Subscribe(context.Background(), "c1", aliceID, nil); err != nil {
		t.Fatal(err)
	}
	if err := rig.hub.Subscribe(context.Background(), "c1", bobID, nil); err != nil {
		t.Fatal(err)
	}
	conn.reset()

	sub := rig.hub.Subscription("c1")
	if sub == nil || sub.UserID != bobID {
		t.Fatalf("subscription = %+v, want user %s", sub, bobID)
	}
	if rig.hub.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount = %d, want 1", rig.hub.SubscriptionCount())
	}

	rig.dispatcher.NotifyUser(context.Background(), aliceID, presence.ChangeStatus)
	if len(conn.sent()) != 0 {
		t.Error("replaced subscription still receives the old subject's updates")
	}
}

func TestNotifyUser_FilterSemantics(t *testing.T) {
	rig := newTestRig(t)
	statusConn := rig.connect("c1")
	avatarConn := rig.connect("c2")

	ctx := context.Background()
	if err := rig.hub.Subscribe(ctx, "c1", aliceID, []presence.ChangeKey{presence.ChangeStatus}); err != nil {
		t.Fatal(err)
	}
	if err := rig.hub.Subscribe(ctx, "c2", aliceID, []presence.ChangeKey{presence.ChangeAvatar}); err != nil {
		t.Fatal(err)
	}
	statusConn.reset()
	avatarConn.reset()

	// A username-only change notifies neither subscriber.
	rig.dispatcher.NotifyUser(ctx, aliceID, presence.ChangeUsername)
	if len(statusConn.sent()) != 0 || len(avatarConn.sent()) != 0 {
		t.Fatal("username change delivered past non-matching filters")
	}

	rig.dispatcher.NotifyUser(ctx, aliceID, presence.ChangeStatus)
	if got := statusConn.sent(); len(got) != 1 {
		t.Fatalf("status subscriber events = %d, want 1", len(got))
	} else if update := got[0].payload.(*UserUpdate); update.UpdateType != presence.ChangeStatus {
		t.Errorf("updateType = %s, want status", update.UpdateType)
	}
	if len(avatarConn.sent()) != 0 {
		t.Error("status change delivered to the avatar subscriber")
	}
}

func TestNotifyUser_AllFilterMatchesEverything(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect("c1")
	ctx := context.Background()

	if err := rig.hub.Subscribe(ctx, "c1", aliceID, nil); err != nil {
		t.Fatal(err)
	}
	conn.reset()

	for _, key := range presence.ValidChangeKeys {
		rig.dispatcher.NotifyUser(ctx, aliceID, key)
	}
	if got := len(conn.sent()); got != len(presence.ValidChangeKeys) {
		t.Errorf("deliveries = %d, want %d", got, len(presence.ValidChangeKeys))
	}
}

func TestNotifyUser_OptOutSuppressesDelivery(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect("c1")
	ctx := context.Background()

	if err := rig.hub.Subscribe(ctx, "c1", aliceID, nil); err != nil {
		t.Fatal(err)
	}
	conn.reset()

	if err := rig.optouts.OptOut(ctx, aliceID); err != nil {
		t.Fatal(err)
	}
	rig.dispatcher.NotifyUser(ctx, aliceID, presence.ChangeStatus)

	if len(conn.sent()) != 0 {
		t.Error("opted-out subject was still delivered")
	}
}

func TestNotifyUser_FetchFailureDropsCycleSilently(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect("c1")
	ctx := context.Background()

	if err := rig.hub.Subscribe(ctx, "c1", aliceID, nil); err != nil {
		t.Fatal(err)
	}
	conn.reset()
	rig.cache.Invalidate(aliceID)
	rig.resolver.setFail(errors.New("gateway timeout"))

	rig.dispatcher.NotifyUser(ctx, aliceID, presence.ChangeStatus)

	if len(conn.sent()) != 0 {
		t.Error("failed resolution must drop the cycle, not deliver")
	}
}

func TestNotifyUser_SendFailureIsolatedPerConnection(t *testing.T) {
	rig := newTestRig(t)
	broken := rig.connect("c1")
	healthy := rig.connect("c2")
	ctx := context.Background()

	if err := rig.hub.Subscribe(ctx, "c1", aliceID, nil); err != nil {
		t.Fatal(err)
	}
	if err := rig.hub.Subscribe(ctx, "c2", aliceID, nil); err != nil {
		t.Fatal(err)
	}
	healthy.reset()
	broken.failSend = true

	rig.dispatcher.NotifyUser(ctx, aliceID, presence.ChangeStatus)

	if got := len(healthy.sent()); got != 1 {
		t.Errorf("healthy connection deliveries = %d, want 1", got)
	}
}

func TestSubscribeActivity_RequiresNameOrType(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("c1")

	err := rig.hub.SubscribeActivity(context.Background(), "c1", aliceID, "", nil)
	if got := errCode(t, err); got != ErrCodeInvalidActivityFilter {
		t.Fatalf("code = %s, want INVALID_ACTIVITY_FILTER", got)
	}
}

func TestSubscribeActivity_PushesFilteredView(t *testing.T) {
	rig := newTestRig(t)
	rig.resolver.presences[aliceID] = &discordgo.Presence{
		User:   &discordgo.User{ID: aliceID},
		Status: discordgo.StatusOnline,
		Activities: []*discordgo.Activity{
			{Name: "Spotify", Type: discordgo.ActivityTypeListening, State: "Boards of Canada"},
			{Name: "Factorio", Type: discordgo.ActivityTypeGame},
		},
	}
	conn := rig.connect("c1")

	if err := rig.hub.SubscribeActivity(context.Background(), "c1", aliceID, "spotify", nil); err != nil {
		t.Fatal(err)
	}

	got := conn.sent()
	if len(got) != 1 || got[0].event != EventActivityUpdate {
		t.Fatalf("events = %+v, want one activityUpdate", got)
	}
	view := got[0].payload.(*ActivityUpdate)
	if view.UserID != aliceID {
		t.Errorf("view.UserID = %s, want %s", view.UserID, aliceID)
	}
	if len(view.Activities) != 1 || view.Activities[0].Name != "Spotify" {
		t.Errorf("filtered activities = %+v, want only Spotify", view.Activities)
	}
}

func TestNotifyActivity_DeliversToMatchingGroupOnly(t *testing.T) {
	rig := newTestRig(t)
	rig.resolver.presences[aliceID] = &discordgo.Presence{
		User:   &discordgo.User{ID: aliceID},
		Status: discordgo.StatusOnline,
		Activities: []*discordgo.Activity{
			{Name: "Spotify", Type: discordgo.ActivityTypeListening},
		},
	}
	spotifyConn := rig.connect("c1")
	gameConn := rig.connect("c2")
	ctx := context.Background()

	if err := rig.hub.SubscribeActivity(ctx, "c1", aliceID, "Spotify", nil); err != nil {
		t.Fatal(err)
	}
	gameType := presence.ActivityPlaying
	if err := rig.hub.SubscribeActivity(ctx, "c2", aliceID, "", &gameType); err != nil {
		t.Fatal(err)
	}
	spotifyConn.reset()
	gameConn.reset()

	rig.dispatcher.NotifyActivity(ctx, aliceID, presence.NameKey("Spotify"))

	if got := len(spotifyConn.sent()); got != 1 {
		t.Errorf("spotify subscriber deliveries = %d, want 1", got)
	}
	if len(gameConn.sent()) != 0 {
		t.Error("type-scoped subscriber received a name-scoped notification")
	}
}

func TestUnsubscribe_RemovesMembership(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect("c1")
	ctx := context.Background()

	// No-op without a subscription.
	rig.hub.Unsubscribe(ctx, "c1")

	if err := rig.hub.Subscribe(ctx, "c1", aliceID, nil); err != nil {
		t.Fatal(err)
	}
	conn.reset()
	rig.hub.Unsubscribe(ctx, "c1")

	if rig.hub.SubscriptionCount() != 0 {
		t.Error("subscription survived unsubscribe")
	}
	rig.dispatcher.NotifyUser(ctx, aliceID, presence.ChangeStatus)
	if len(conn.sent()) != 0 {
		t.Error("unsubscribed connection still receives updates")
	}
}

func TestDisconnect_CleansUpConnectionState(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.connect("c1")
	ctx := context.Background()

	if err := rig.hub.Subscribe(ctx, "c1", aliceID, nil); err != nil {
		t.Fatal(err)
	}
	conn.reset()
	rig.hub.Disconnect(ctx, "c1")

	if rig.hub.ConnCount() != 0 || rig.hub.SubscriptionCount() != 0 {
		t.Error("disconnect left connection state behind")
	}

	// A late subscribe from the stale connection ID must not commit.
	if err := rig.hub.Subscribe(ctx, "c1", aliceID, nil); err != nil {
		t.Fatal(err)
	}
	if rig.hub.SubscriptionCount() != 0 {
		t.Error("subscribe for an unregistered connection committed membership")
	}
}

func TestGetSnapshot_PullPath(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.hub.GetSnapshot(ctx, "nope"); errCode(t, err) != ErrCodeInvalidFormat {
		t.Error("malformed ID should fail with INVALID_FORMAT")
	}

	snap, err := rig.hub.GetSnapshot(ctx, aliceID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ID != aliceID || snap.Status != presence.StatusOffline {
		t.Errorf("snapshot = %+v, want %s offline", snap, aliceID)
	}

	// Second read is served from cache.
	if _, err := rig.hub.GetSnapshot(ctx, aliceID); err != nil {
		t.Fatal(err)
	}
	if rig.resolver.resolveCalls() != 1 {
		t.Errorf("resolver calls = %d, want 1 (cache read-through)", rig.resolver.resolveCalls())
	}

	if err := rig.optouts.OptOut(ctx, aliceID); err != nil {
		t.Fatal(err)
	}
	if _, err := rig.hub.GetSnapshot(ctx, aliceID); errCode(t, err) != ErrCodeUserOptedOut {
		t.Error("opted-out subject should fail with USER_OPTED_OUT")
	}
}
