package presence

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

func testUser() *discordgo.User {
	return &discordgo.User{
		ID:            "100000000000000001",
		Username:      "wumpus",
		GlobalName:    "Wumpus",
		Discriminator: "0",
		Avatar:        "a_abc123",
	}
}

func TestBuildSnapshot_NoPresenceIsOffline(t *testing.T) {
	snap := BuildSnapshot(testUser(), nil, nil)

	if snap.Status != StatusOffline {
		t.Errorf("expected offline status, got %q", snap.Status)
	}
	if snap.CustomStatus != nil {
		t.Errorf("expected nil custom status, got %+v", snap.CustomStatus)
	}
	if len(snap.Activities) != 0 {
		t.Errorf("expected no activities, got %d", len(snap.Activities))
	}
	if snap.Username != "wumpus" || snap.Tag != "wumpus" {
		t.Errorf("unexpected identity fields: %q / %q", snap.Username, snap.Tag)
	}
}

func TestBuildSnapshot_LegacyDiscriminatorTag(t *testing.T) {
	u := testUser()
	u.Discriminator = "0420"

	snap := BuildSnapshot(u, nil, nil)

	if snap.Tag != "wumpus#0420" {
		t.Errorf("expected legacy tag, got %q", snap.Tag)
	}
}

func TestBuildSnapshot_CustomStatusSplitOut(t *testing.T) {
	p := &discordgo.Presence{
		Status: discordgo.StatusOnline,
		Activities: []*discordgo.Activity{
			{
				Name:  "Custom Status",
				Type:  discordgo.ActivityTypeCustom,
				State: "vibing",
				Emoji: discordgo.Emoji{Name: "🔥"},
			},
			{Name: "Factorio", Type: discordgo.ActivityTypeGame},
		},
	}

	snap := BuildSnapshot(testUser(), nil, p)

	if snap.CustomStatus == nil || snap.CustomStatus.State != "vibing" {
		t.Fatalf("expected custom status 'vibing', got %+v", snap.CustomStatus)
	}
	if snap.CustomStatus.Emoji == nil || snap.CustomStatus.Emoji.Name != "🔥" {
		t.Errorf("expected emoji on custom status, got %+v", snap.CustomStatus.Emoji)
	}
	for _, a := range snap.Activities {
		if a.Type == ActivityCustom {
			t.Errorf("custom activity leaked into activity list: %+v", a)
		}
	}
	if len(snap.Activities) != 1 || snap.Activities[0].Name != "Factorio" {
		t.Errorf("expected a single Factorio activity, got %+v", snap.Activities)
	}
}

func TestBuildSnapshot_SpotifyEnrichment(t *testing.T) {
	p := &discordgo.Presence{
		Status: discordgo.StatusIdle,
		Activities: []*discordgo.Activity{
			{
				Name:    "Spotify",
				Type:    discordgo.ActivityTypeListening,
				State:   "The Artist",
				Details: "The Song",
				Assets: discordgo.Assets{
					LargeText:    "The Album",
					LargeImageID: "spotify:ab67616d00001e02deadbeef",
				},
			},
		},
	}

	snap := BuildSnapshot(testUser(), nil, p)

	if len(snap.Activities) != 1 {
		t.Fatalf("expected one activity, got %d", len(snap.Activities))
	}
	got := snap.Activities[0]
	if got.Artist != "The Artist" || got.Song != "The Song" || got.Album != "The Album" {
		t.Errorf("unexpected track metadata: %+v", got)
	}
	want := "https://i.scdn.co/image/ab67616d00001e02deadbeef"
	if got.AlbumArt != want {
		t.Errorf("expected album art %q, got %q", want, got.AlbumArt)
	}
}

func TestBuildSnapshot_NonSpotifyListeningNotEnriched(t *testing.T) {
	p := &discordgo.Presence{
		Status: discordgo.StatusOnline,
		Activities: []*discordgo.Activity{
			{Name: "YouTube Music", Type: discordgo.ActivityTypeListening, State: "Someone"},
		},
	}

	snap := BuildSnapshot(testUser(), nil, p)

	if snap.Activities[0].Artist != "" || snap.Activities[0].AlbumArt != "" {
		t.Errorf("non-Spotify activity should not carry track metadata: %+v", snap.Activities[0])
	}
}

func TestBuildSnapshot_PremiumSince(t *testing.T) {
	since := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	member := &discordgo.Member{User: testUser(), PremiumSince: &since}

	snap := BuildSnapshot(testUser(), member, nil)

	if snap.PremiumSince != since.UnixMilli() {
		t.Errorf("expected premiumSince %d, got %d", since.UnixMilli(), snap.PremiumSince)
	}
}

func TestSnapshotEqual_ActivityOrderInsignificant(t *testing.T) {
	a := BuildSnapshot(testUser(), nil, &discordgo.Presence{
		Status: discordgo.StatusOnline,
		Activities: []*discordgo.Activity{
			{Name: "Factorio", Type: discordgo.ActivityTypeGame},
			{Name: "OBS", Type: discordgo.ActivityTypeStreaming},
		},
	})
	b := BuildSnapshot(testUser(), nil, &discordgo.Presence{
		Status: discordgo.StatusOnline,
		Activities: []*discordgo.Activity{
			{Name: "OBS", Type: discordgo.ActivityTypeStreaming},
			{Name: "Factorio", Type: discordgo.ActivityTypeGame},
		},
	})

	if !a.Equal(b) {
		t.Error("snapshots differing only in activity order should be equal")
	}
}

func TestSnapshotEqual_StatusDiffers(t *testing.T) {
	a := BuildSnapshot(testUser(), nil, &discordgo.Presence{Status: discordgo.StatusOnline})
	b := BuildSnapshot(testUser(), nil, &discordgo.Presence{Status: discordgo.StatusIdle})

	if a.Equal(b) {
		t.Error("snapshots with different status should not be equal")
	}
}

func TestFilterActivitiesByName_CaseInsensitive(t *testing.T) {
	acts := []*Activity{
		{Name: "Spotify", Type: ActivityListening},
		{Name: "Factorio", Type: ActivityPlaying},
	}

	got := FilterActivitiesByName(acts, "spotify")

	if len(got) != 1 || got[0].Name != "Spotify" {
		t.Errorf("expected the Spotify activity, got %+v", got)
	}
}

func TestFilterActivitiesByType(t *testing.T) {
	acts := []*Activity{
		{Name: "Spotify", Type: ActivityListening},
		{Name: "Factorio", Type: ActivityPlaying},
		{Name: "Podcast", Type: ActivityListening},
	}

	got := FilterActivitiesByType(acts, ActivityListening)

	if len(got) != 2 {
		t.Errorf("expected two listening activities, got %d", len(got))
	}
}
