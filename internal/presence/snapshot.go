// Package presence defines the canonical snapshot model for a watched guild
// member and the change detection over raw gateway state.
//
// A Snapshot is the normalized, comparable projection of a member's profile
// and presence at a point in time. It is what the REST endpoint returns and
// what push subscribers receive; raw discordgo values are never held beyond
// one normalization or diff cycle.
package presence

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Status is the coarse online state of a member.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

// ActivityType mirrors the gateway activity type numbering.
type ActivityType int

const (
	ActivityPlaying   ActivityType = 0
	ActivityStreaming ActivityType = 1
	ActivityListening ActivityType = 2
	ActivityWatching  ActivityType = 3
	ActivityCustom    ActivityType = 4
	ActivityCompeting ActivityType = 5
)

var activityTypeNames = map[ActivityType]string{
	ActivityPlaying:   "Playing",
	ActivityStreaming: "Streaming",
	ActivityListening: "Listening to",
	ActivityWatching:  "Watching",
	ActivityCustom:    "Custom",
	ActivityCompeting: "Competing in",
}

// TypeName returns the human-readable label for an activity type.
func (t ActivityType) TypeName() string {
	if name, ok := activityTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// spotifyName is the activity name Spotify publishes. Listening activities
// with this name carry track metadata in their asset fields.
const spotifyName = "Spotify"

// Timestamps holds activity start/end times in Unix milliseconds.
// Zero means the boundary is not set.
type Timestamps struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// Emoji is the emoji attached to a custom status.
type Emoji struct {
	Name     string `json:"name"`
	ID       string `json:"id,omitempty"`
	Animated bool   `json:"animated"`
}

// CustomStatus is the member's custom status, split out of the activity
// list during normalization.
type CustomStatus struct {
	Emoji *Emoji `json:"emoji"`
	State string `json:"state"`
}

// Equal reports deep equality of two custom statuses. Nil receivers and
// arguments are handled so callers can compare optional values directly.
func (c *CustomStatus) Equal(other *CustomStatus) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.State != other.State {
		return false
	}
	if (c.Emoji == nil) != (other.Emoji == nil) {
		return false
	}
	if c.Emoji != nil && *c.Emoji != *other.Emoji {
		return false
	}
	return true
}

// Activity is one concurrent activity a member is engaged in. Custom
// statuses are never represented as an Activity; they live in
// Snapshot.CustomStatus.
type Activity struct {
	Name          string       `json:"name"`
	Type          ActivityType `json:"type"`
	TypeName      string       `json:"typeName"`
	Details       string       `json:"details,omitempty"`
	State         string       `json:"state,omitempty"`
	Timestamps    *Timestamps  `json:"timestamps"`
	ApplicationID string       `json:"applicationId,omitempty"`
	URL           string       `json:"url,omitempty"`

	// Spotify track metadata, populated only for the Spotify listening
	// activity.
	Artist   string `json:"artist,omitempty"`
	Song     string `json:"song,omitempty"`
	Album    string `json:"album,omitempty"`
	AlbumArt string `json:"albumArt,omitempty"`
}

// Equal reports deep equality of two activities.
func (a *Activity) Equal(other *Activity) bool {
	if a == nil || other == nil {
		return a == other
	}
	if a.Name != other.Name || a.Type != other.Type || a.Details != other.Details ||
		a.State != other.State || a.ApplicationID != other.ApplicationID || a.URL != other.URL {
		return false
	}
	if (a.Timestamps == nil) != (other.Timestamps == nil) {
		return false
	}
	if a.Timestamps != nil && *a.Timestamps != *other.Timestamps {
		return false
	}
	return a.Artist == other.Artist && a.Song == other.Song &&
		a.Album == other.Album && a.AlbumArt == other.AlbumArt
}

// Snapshot is the canonical record of a member's visible state.
type Snapshot struct {
	ID           string        `json:"id"`
	Username     string        `json:"username"`
	DisplayName  string        `json:"displayName"`
	Tag          string        `json:"tag"`
	Status       Status        `json:"status"`
	AvatarURL    string        `json:"avatarUrl"`
	CustomStatus *CustomStatus `json:"customStatus"`
	Activities   []*Activity   `json:"activities"`
	CreatedAt    int64         `json:"createdAt"`
	Flags        []string      `json:"flags"`
	PremiumSince int64         `json:"premiumSince,omitempty"`
}

// Equal reports deep structural equality of two snapshots. Activity order
// is insignificant: the lists are matched by name.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.ID != other.ID || s.Username != other.Username || s.DisplayName != other.DisplayName ||
		s.Tag != other.Tag || s.Status != other.Status || s.AvatarURL != other.AvatarURL ||
		s.CreatedAt != other.CreatedAt || s.PremiumSince != other.PremiumSince {
		return false
	}
	if !s.CustomStatus.Equal(other.CustomStatus) {
		return false
	}
	if len(s.Flags) != len(other.Flags) {
		return false
	}
	for i, f := range s.Flags {
		if other.Flags[i] != f {
			return false
		}
	}
	if len(s.Activities) != len(other.Activities) {
		return false
	}
	byName := make(map[string]*Activity, len(other.Activities))
	for _, a := range other.Activities {
		byName[a.Name] = a
	}
	for _, a := range s.Activities {
		if !a.Equal(byName[a.Name]) {
			return false
		}
	}
	return true
}

// userFlagNames maps public profile flag bits to their API names.
var userFlagNames = []struct {
	bit  discordgo.UserFlags
	name string
}{
	{discordgo.UserFlagDiscordEmployee, "Staff"},
	{discordgo.UserFlagDiscordPartner, "Partner"},
	{discordgo.UserFlagHypeSquadEvents, "Hypesquad"},
	{discordgo.UserFlagBugHunterLevel1, "BugHunterLevel1"},
	{discordgo.UserFlagHouseBravery, "HypeSquadOnlineHouse1"},
	{discordgo.UserFlagHouseBrilliance, "HypeSquadOnlineHouse2"},
	{discordgo.UserFlagHouseBalance, "HypeSquadOnlineHouse3"},
	{discordgo.UserFlagEarlySupporter, "PremiumEarlySupporter"},
	{discordgo.UserFlagBugHunterLevel2, "BugHunterLevel2"},
	{discordgo.UserFlagVerifiedBot, "VerifiedBot"},
	{discordgo.UserFlagVerifiedBotDeveloper, "VerifiedDeveloper"},
	{discordgo.UserFlagDiscordCertifiedModerator, "CertifiedModerator"},
	{discordgo.UserFlagActiveBotDeveloper, "ActiveDeveloper"},
}

func flagNames(flags discordgo.UserFlags) []string {
	names := []string{}
	for _, f := range userFlagNames {
		if flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

func userTag(u *discordgo.User) string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

// BuildSnapshot normalizes raw profile and presence state into a Snapshot.
// It is a pure function: a nil presence yields an offline snapshot, missing
// optional fields stay zero, and the Custom activity (if any) is split into
// CustomStatus rather than appearing in Activities.
func BuildSnapshot(user *discordgo.User, member *discordgo.Member, p *discordgo.Presence) *Snapshot {
	snap := &Snapshot{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.GlobalName,
		Tag:         userTag(user),
		Status:      StatusOffline,
		AvatarURL:   user.AvatarURL("512"),
		Activities:  []*Activity{},
		Flags:       flagNames(user.PublicFlags),
	}

	if created, err := discordgo.SnowflakeTimestamp(user.ID); err == nil {
		snap.CreatedAt = created.UnixMilli()
	}
	if member != nil && member.PremiumSince != nil {
		snap.PremiumSince = member.PremiumSince.UnixMilli()
	}

	if p == nil {
		return snap
	}

	if st := normalizeStatus(p.Status); st != "" {
		snap.Status = st
	}

	for _, raw := range p.Activities {
		if raw == nil {
			continue
		}
		if ActivityType(raw.Type) == ActivityCustom {
			if snap.CustomStatus == nil {
				snap.CustomStatus = customStatusFrom(raw)
			}
			continue
		}
		snap.Activities = append(snap.Activities, normalizeActivity(raw))
	}

	return snap
}

func normalizeStatus(s discordgo.Status) Status {
	switch s {
	case discordgo.StatusOnline:
		return StatusOnline
	case discordgo.StatusIdle:
		return StatusIdle
	case discordgo.StatusDoNotDisturb:
		return StatusDND
	case discordgo.StatusOffline, discordgo.StatusInvisible:
		return StatusOffline
	}
	return ""
}

func customStatusFrom(raw *discordgo.Activity) *CustomStatus {
	cs := &CustomStatus{State: raw.State}
	if raw.Emoji.Name != "" || raw.Emoji.ID != "" {
		cs.Emoji = &Emoji{
			Name:     raw.Emoji.Name,
			ID:       raw.Emoji.ID,
			Animated: raw.Emoji.Animated,
		}
	}
	return cs
}

func normalizeActivity(raw *discordgo.Activity) *Activity {
	a := &Activity{
		Name:          raw.Name,
		Type:          ActivityType(raw.Type),
		TypeName:      ActivityType(raw.Type).TypeName(),
		Details:       raw.Details,
		State:         raw.State,
		ApplicationID: raw.ApplicationID,
		URL:           raw.URL,
	}
	if raw.Timestamps.StartTimestamp != 0 || raw.Timestamps.EndTimestamp != 0 {
		a.Timestamps = &Timestamps{
			Start: raw.Timestamps.StartTimestamp,
			End:   raw.Timestamps.EndTimestamp,
		}
	}
	if raw.Name == spotifyName && ActivityType(raw.Type) == ActivityListening {
		a.Artist = raw.State
		a.Song = raw.Details
		a.Album = raw.Assets.LargeText
		if img := raw.Assets.LargeImageID; img != "" {
			a.AlbumArt = fmt.Sprintf("https://i.scdn.co/image/%s", strings.TrimPrefix(img, "spotify:"))
		}
	}
	return a
}

// FilterActivitiesByName returns the activities whose name matches,
// case-insensitively.
func FilterActivitiesByName(activities []*Activity, name string) []*Activity {
	out := []*Activity{}
	for _, a := range activities {
		if strings.EqualFold(a.Name, name) {
			out = append(out, a)
		}
	}
	return out
}

// FilterActivitiesByType returns the activities of the given type.
func FilterActivitiesByType(activities []*Activity, t ActivityType) []*Activity {
	out := []*Activity{}
	for _, a := range activities {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}
