package upstream

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

// Slash commands hosted by the bot. Members control their own exposure.
var commands = []*discordgo.ApplicationCommand{
	{Name: "opt-out", Description: "Opt out of the presence API"},
	{Name: "opt-in", Description: "Opt in to the presence API"},
}

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.ready = true
	a.mu.Unlock()

	ctx := context.Background()
	a.logger.Info(ctx, "discord connection ready",
		"user", r.User.Username, "guilds", len(r.Guilds))

	a.registerCommands(ctx)
}

func (a *Adapter) handleDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	a.mu.Lock()
	a.ready = false
	a.mu.Unlock()

	a.logger.Warn(context.Background(), "disconnected from discord")
}

// handleGuildCreate seeds member and presence state for the tracked guild.
// The gateway sends it on connect and reconnect.
func (a *Adapter) handleGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.ID != a.config.GuildID {
		return
	}

	a.mu.Lock()
	for _, m := range g.Members {
		if m.User != nil {
			a.members[m.User.ID] = m
		}
	}
	for _, p := range g.Presences {
		if p.User != nil {
			a.presences[p.User.ID] = p
		}
	}
	members, presences := len(a.members), len(a.presences)
	a.mu.Unlock()

	a.logger.Info(context.Background(), "guild state loaded",
		"guild_id", g.ID, "members", members, "presences", presences)
}

// handlePresenceUpdate pairs the incoming presence with the last observed
// one to form the old/new sides the change detector needs, then stores the
// new side.
func (a *Adapter) handlePresenceUpdate(s *discordgo.Session, p *discordgo.PresenceUpdate) {
	if p.GuildID != a.config.GuildID || p.User == nil {
		return
	}

	current := &p.Presence
	a.mu.Lock()
	old := a.presences[p.User.ID]
	a.presences[p.User.ID] = current
	a.mu.Unlock()

	a.sink.HandlePresenceUpdate(old, current)
}

func (a *Adapter) handleGuildMemberUpdate(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	if m.GuildID != a.config.GuildID || m.User == nil {
		return
	}

	a.mu.Lock()
	old := m.BeforeUpdate
	if old == nil {
		old = a.members[m.User.ID]
	}
	a.members[m.User.ID] = m.Member
	a.mu.Unlock()

	a.sink.HandleMemberUpdate(old, m.Member)
}

func (a *Adapter) handleGuildMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.GuildID != a.config.GuildID || m.User == nil {
		return
	}
	a.mu.Lock()
	a.members[m.User.ID] = m.Member
	a.mu.Unlock()
}

func (a *Adapter) handleGuildMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.GuildID != a.config.GuildID || m.User == nil {
		return
	}
	a.mu.Lock()
	delete(a.members, m.User.ID)
	delete(a.presences, m.User.ID)
	a.mu.Unlock()
}

func (a *Adapter) handleInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := interactionUser(i)
	if user == nil {
		return
	}

	ctx := context.Background()
	var reply string
	switch i.ApplicationCommandData().Name {
	case "opt-out":
		if err := a.optouts.OptOut(ctx, user.ID); err != nil {
			a.logger.Error(ctx, "opt-out failed", "user_id", user.ID, "error", err)
			reply = "Something went wrong, please try again."
		} else {
			a.logger.Info(ctx, "user opted out", "user_id", user.ID)
			reply = "You have opted out of the presence API. Your presence/activity will no longer be shared."
		}
	case "opt-in":
		if err := a.optouts.OptIn(ctx, user.ID); err != nil {
			a.logger.Error(ctx, "opt-in failed", "user_id", user.ID, "error", err)
			reply = "Something went wrong, please try again."
		} else {
			a.logger.Info(ctx, "user opted in", "user_id", user.ID)
			reply = "You have opted in to the presence API. Your presence/activity will be shared again."
		}
	default:
		return
	}

	err := a.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: reply,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		a.logger.Warn(ctx, "interaction reply failed", "error", err)
	}
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func (a *Adapter) registerCommands(ctx context.Context) {
	if a.config.AppID == "" {
		a.logger.Warn(ctx, "no app_id configured, skipping slash command registration")
		return
	}
	_, err := a.session.ApplicationCommandBulkOverwrite(a.config.AppID, a.config.GuildID, commands)
	if err != nil {
		a.logger.Error(ctx, "failed to register slash commands", "error", err)
		return
	}
	a.logger.Info(ctx, "slash commands registered", "count", len(commands))
}
