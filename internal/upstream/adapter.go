// Package upstream connects the relay to the Discord gateway: it maintains
// guild member and presence state, resolves subjects on demand, feeds raw
// change events to the relay watcher, and hosts the opt-out slash commands.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/beacon/internal/backoff"
	"github.com/haasonsaas/beacon/internal/observability"
	"github.com/haasonsaas/beacon/internal/optout"
	"github.com/haasonsaas/beacon/internal/relay"
)

// discordSession is the slice of the discordgo API the adapter uses. Tests
// substitute a double.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// EventSink receives classified upstream events. The relay watcher
// implements it.
type EventSink interface {
	HandlePresenceUpdate(old, current *discordgo.Presence)
	HandleMemberUpdate(old, current *discordgo.Member)
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord developer portal (required).
	Token string

	// GuildID scopes the adapter to one guild (required).
	GuildID string

	// AppID registers the slash commands. Empty skips registration.
	AppID string

	// MaxConnectAttempts bounds the initial connection retry loop.
	MaxConnectAttempts int

	// ConnectBackoff is the maximum backoff between connection attempts.
	ConnectBackoff time.Duration
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("discord token is required")
	}
	if c.GuildID == "" {
		return fmt.Errorf("discord guild_id is required")
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = 5
	}
	if c.ConnectBackoff == 0 {
		c.ConnectBackoff = 60 * time.Second
	}
	return nil
}

// Adapter owns the gateway session and the guild-scoped member/presence
// state. It implements relay.Resolver.
type Adapter struct {
	config  Config
	session discordSession
	sink    EventSink
	optouts optout.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	ready     bool
	members   map[string]*discordgo.Member
	presences map[string]*discordgo.Presence
}

// NewAdapter creates a Discord adapter. Start must be called before it can
// resolve subjects.
func NewAdapter(config Config, sink EventSink, optouts optout.Store, logger *observability.Logger, metrics *observability.Metrics) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:    config,
		sink:      sink,
		optouts:   optouts,
		logger:    logger,
		metrics:   metrics,
		members:   make(map[string]*discordgo.Member),
		presences: make(map[string]*discordgo.Presence),
	}, nil
}

// SetSink replaces the event consumer. It exists to break the construction
// cycle between the adapter and the relay hub; call it before Start.
func (a *Adapter) SetSink(sink EventSink) {
	a.sink = sink
}

// Start opens the gateway connection and registers event handlers. The
// session needs guild, member, and presence intents; member and presence
// intents are privileged and must be enabled in the developer portal.
func (a *Adapter) Start(ctx context.Context) error {
	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return fmt.Errorf("failed to create discord session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentGuilds |
			discordgo.IntentGuildMembers |
			discordgo.IntentGuildPresences
		a.session = dg
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleDisconnect)
	a.session.AddHandler(a.handleGuildCreate)
	a.session.AddHandler(a.handlePresenceUpdate)
	a.session.AddHandler(a.handleGuildMemberUpdate)
	a.session.AddHandler(a.handleGuildMemberAdd)
	a.session.AddHandler(a.handleGuildMemberRemove)
	a.session.AddHandler(a.handleInteractionCreate)

	if err := a.connectWithRetry(ctx); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	a.ready = false
	a.mu.Unlock()

	if a.session == nil {
		return nil
	}
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	a.logger.Info(context.Background(), "discord adapter stopped")
	return nil
}

// Ready reports whether the gateway session is connected and usable.
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// ResolveMember finds a guild member by ID: first from gateway state, then
// with a REST lookup. Unknown users map to relay.ErrUnknownSubject.
func (a *Adapter) ResolveMember(ctx context.Context, userID string) (*discordgo.Member, error) {
	a.mu.RLock()
	member, ok := a.members[userID]
	a.mu.RUnlock()
	if ok {
		return member, nil
	}

	member, err := a.session.GuildMember(a.config.GuildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if isUnknownUser(err) {
			return nil, fmt.Errorf("member %s: %w", userID, relay.ErrUnknownSubject)
		}
		return nil, fmt.Errorf("guild member lookup failed: %w", err)
	}

	a.mu.Lock()
	a.members[userID] = member
	a.mu.Unlock()
	return member, nil
}

// Presence returns the last observed presence for the member, or nil when
// none was seen (the member is offline or presence intent data has not
// arrived).
func (a *Adapter) Presence(userID string) *discordgo.Presence {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.presences[userID]
}

// MemberCount returns the number of members in gateway state.
func (a *Adapter) MemberCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.members)
}

// isUnknownUser reports whether a REST failure means the subject does not
// exist or is not in the guild, as opposed to a transient failure.
func isUnknownUser(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownUser, discordgo.ErrCodeUnknownMember:
			return true
		}
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func (a *Adapter) connectWithRetry(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < a.config.MaxConnectAttempts; attempt++ {
		a.logger.Info(ctx, "connecting to discord",
			"attempt", attempt+1, "max_attempts", a.config.MaxConnectAttempts)

		if err = a.session.Open(); err == nil {
			return nil
		}

		policy := backoff.Gateway(a.config.ConnectBackoff)
		a.logger.Warn(ctx, "connection failed, retrying",
			"error", err, "backoff_ms", policy.DelayWithRand(attempt, 0).Milliseconds())

		if serr := policy.Sleep(ctx, attempt); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", a.config.MaxConnectAttempts, err)
}
