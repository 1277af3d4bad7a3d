package presence

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// ChangeKey classifies what kind of change a detector found. It is the unit
// of both debounce coalescing and subscriber filtering.
type ChangeKey string

const (
	ChangeStatus       ChangeKey = "status"
	ChangeUsername     ChangeKey = "username"
	ChangeAvatar       ChangeKey = "avatar"
	ChangeDisplayName  ChangeKey = "displayName"
	ChangeCustomStatus ChangeKey = "customStatus"
	ChangeActivities   ChangeKey = "activities"
	ChangeAll          ChangeKey = "all"
)

// ValidChangeKeys are the filter tokens a subscriber may request.
var ValidChangeKeys = []ChangeKey{
	ChangeAll, ChangeStatus, ChangeAvatar, ChangeUsername,
	ChangeActivities, ChangeCustomStatus, ChangeDisplayName,
}

// IsValidChangeKey reports whether the token is a known filter key.
func IsValidChangeKey(k ChangeKey) bool {
	for _, v := range ValidChangeKeys {
		if k == v {
			return true
		}
	}
	return false
}

// ActivityKey identifies an activity-scoped subscription target: either a
// specific activity name or all activities of one type.
type ActivityKey struct {
	Name   string
	Type   ActivityType
	ByType bool
}

// NameKey builds an ActivityKey selecting a single activity by name.
func NameKey(name string) ActivityKey { return ActivityKey{Name: name} }

// TypeKey builds an ActivityKey selecting all activities of a type.
func TypeKey(t ActivityType) ActivityKey { return ActivityKey{Type: t, ByType: true} }

// String renders the key in the form used for topic groups and debounce
// keys: the activity name, or "type:<n>".
func (k ActivityKey) String() string {
	if k.ByType {
		return fmt.Sprintf("type:%d", int(k.Type))
	}
	return k.Name
}

// DetectPresenceChanges compares two raw presence states and returns the
// coarse change keys: status, customStatus, and activities. A nil old side
// is an empty baseline, so everything present on the new side counts as
// changed. An empty result means the tracked fields are identical.
func DetectPresenceChanges(old, new *discordgo.Presence) []ChangeKey {
	var changes []ChangeKey

	if presenceStatus(old) != presenceStatus(new) {
		changes = append(changes, ChangeStatus)
	}

	oldCustom, oldRest := splitActivities(old)
	newCustom, newRest := splitActivities(new)

	if !rawActivityEqual(oldCustom, newCustom) {
		changes = append(changes, ChangeCustomStatus)
	}
	if !rawActivityListEqual(oldRest, newRest) {
		changes = append(changes, ChangeActivities)
	}

	return changes
}

// DetectActivityChanges computes the fine-grained deltas for activity-scoped
// subscribers. For the union of activity names on either side it emits a
// name key when that activity differs; for the union of types it emits a
// type key when the ordered set of activities of that type differs. The
// coarse ChangeActivities signal from DetectPresenceChanges is independent
// of this pass.
func DetectActivityChanges(old, new *discordgo.Presence) []ActivityKey {
	_, oldRest := splitActivities(old)
	_, newRest := splitActivities(new)

	if rawActivityListEqual(oldRest, newRest) {
		return nil
	}

	var keys []ActivityKey

	seen := map[string]bool{}
	for _, a := range append(append([]*discordgo.Activity{}, oldRest...), newRest...) {
		if seen[a.Name] {
			continue
		}
		seen[a.Name] = true
		if !rawActivityEqual(findByName(oldRest, a.Name), findByName(newRest, a.Name)) {
			keys = append(keys, NameKey(a.Name))
		}
	}

	seenType := map[ActivityType]bool{}
	for _, a := range append(append([]*discordgo.Activity{}, oldRest...), newRest...) {
		t := ActivityType(a.Type)
		if seenType[t] {
			continue
		}
		seenType[t] = true
		if !rawActivityListEqual(filterByType(oldRest, t), filterByType(newRest, t)) {
			keys = append(keys, TypeKey(t))
		}
	}

	return keys
}

// DetectMemberChanges compares the profile fields of two member states.
// When a member-update event fired but none of the tracked fields differ,
// the caller should fall back to ChangeAll: the upstream guarantees the
// event implies some change, just not one we classify.
func DetectMemberChanges(old, new *discordgo.Member) []ChangeKey {
	var changes []ChangeKey
	oldUser, newUser := memberUser(old), memberUser(new)

	if oldUser.Username != newUser.Username {
		changes = append(changes, ChangeUsername)
	}
	if oldUser.Avatar != newUser.Avatar {
		changes = append(changes, ChangeAvatar)
	}
	if oldUser.GlobalName != newUser.GlobalName {
		changes = append(changes, ChangeDisplayName)
	}
	return changes
}

func presenceStatus(p *discordgo.Presence) discordgo.Status {
	if p == nil {
		return ""
	}
	return p.Status
}

func memberUser(m *discordgo.Member) *discordgo.User {
	if m == nil || m.User == nil {
		return &discordgo.User{}
	}
	return m.User
}

// splitActivities partitions a presence's activities into the custom status
// entry and the remaining list.
func splitActivities(p *discordgo.Presence) (custom *discordgo.Activity, rest []*discordgo.Activity) {
	if p == nil {
		return nil, nil
	}
	for _, a := range p.Activities {
		if a == nil {
			continue
		}
		if ActivityType(a.Type) == ActivityCustom {
			if custom == nil {
				custom = a
			}
			continue
		}
		rest = append(rest, a)
	}
	return custom, rest
}

func findByName(list []*discordgo.Activity, name string) *discordgo.Activity {
	for _, a := range list {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func filterByType(list []*discordgo.Activity, t ActivityType) []*discordgo.Activity {
	var out []*discordgo.Activity
	for _, a := range list {
		if ActivityType(a.Type) == t {
			out = append(out, a)
		}
	}
	return out
}

// rawActivityEqual is structural equality over the raw activity fields the
// relay observes. Field-by-field on a closed set, deliberately not
// reflect.DeepEqual: upstream structs grow fields we do not track, and those
// must not trigger change events.
func rawActivityEqual(a, b *discordgo.Activity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Name == b.Name &&
		a.Type == b.Type &&
		a.URL == b.URL &&
		a.State == b.State &&
		a.Details == b.Details &&
		a.ApplicationID == b.ApplicationID &&
		a.Timestamps == b.Timestamps &&
		a.Emoji.Name == b.Emoji.Name &&
		a.Emoji.ID == b.Emoji.ID &&
		a.Emoji.Animated == b.Emoji.Animated &&
		a.Assets == b.Assets &&
		a.Party.ID == b.Party.ID
}

func rawActivityListEqual(a, b []*discordgo.Activity) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !rawActivityEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
