package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lalith-99/echolink/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	page  models.Page[models.Room]
	err   error
	calls int
}

func (f *fakeFetcher) FetchRooms(_ context.Context, _, _ string, _ int) (models.Page[models.Room], error) {
	f.calls++
	return f.page, f.err
}

func room(id string, participants ...string) models.Room {
	r := models.Room{ID: id, Type: models.RoomDM, Status: models.RoomActive}
	for _, p := range participants {
		r.Participants = append(r.Participants, models.Participant{ID: p})
	}
	return r
}

func order(d *Directory) []string {
	var out []string
	for _, r := range d.View(FilterAll, "") {
		out = append(out, r.ID)
	}
	return out
}

func seeded(t *testing.T, rs ...models.Room) *Directory {
	t.Helper()
	f := &fakeFetcher{page: models.Page[models.Room]{Items: rs, NextCursor: "next", HasMore: true}}
	d := New(f, nil, 20, nil)
	_, err := d.LoadRooms(context.Background(), "u1", "")
	require.NoError(t, err)
	return d
}

func TestLoadRoomsGated(t *testing.T) {
	f := &fakeFetcher{}
	connected := false
	d := New(f, func() bool { return connected }, 20, nil)

	_, err := d.LoadRooms(context.Background(), "u1", "")
	assert.ErrorIs(t, err, ErrNotReady)

	connected = true
	_, err = d.LoadRooms(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, f.calls)

	_, err = d.LoadRooms(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)
}

func TestLoadRoomsAppendsAndRecordsCursor(t *testing.T) {
	d := seeded(t, room("r1"), room("r2"))
	assert.Equal(t, []string{"r1", "r2"}, order(d))

	cursor, hasMore := d.Cursor()
	assert.Equal(t, "next", cursor)
	assert.True(t, hasMore)
}

func TestLoadRoomsError(t *testing.T) {
	boom := errors.New("boom")
	d := New(&fakeFetcher{err: boom}, nil, 20, nil)
	_, err := d.LoadRooms(context.Background(), "u1", "")
	assert.ErrorIs(t, err, boom)
}

func TestUpsertLastMessageMovesRoomToFront(t *testing.T) {
	d := seeded(t, room("r1"), room("r2"), room("r3"))

	require.True(t, d.UpsertLastMessage("r3", models.Message{ID: "m1", Content: "hey", CreatedAt: time.Now()}))
	assert.Equal(t, []string{"r3", "r1", "r2"}, order(d))

	require.True(t, d.UpsertLastMessage("r2", models.Message{ID: "m2", Content: "yo"}))
	assert.Equal(t, []string{"r2", "r3", "r1"}, order(d))

	r, _ := d.Get("r2")
	assert.Equal(t, "yo", r.LastMessage.Text)
}

func TestUpsertLastMessageAttachmentPreview(t *testing.T) {
	d := seeded(t, room("r1"))
	d.UpsertLastMessage("r1", models.Message{ID: "m1", Media: []models.Media{{URL: "x"}}})

	r, _ := d.Get("r1")
	assert.Equal(t, "sent an attachment", r.LastMessage.Text)
}

func TestUpsertLastMessageTombstone(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := seeded(t, room("r1"), room("r2"))
	d.UpsertLastMessage("r1", models.Message{ID: "m1", Content: "secret", CreatedAt: at})

	// Deleting an older message leaves the preview alone.
	assert.False(t, d.UpsertLastMessage("r1", models.Message{ID: "m0", IsDeleted: true, CreatedAt: at.Add(-time.Minute)}))
	r, _ := d.Get("r1")
	assert.Equal(t, "secret", r.LastMessage.Text)

	d.UpsertLastMessage("r2", models.Message{ID: "m9", Content: "later"})
	require.True(t, d.UpsertLastMessage("r1", models.Message{ID: "m1", IsDeleted: true, CreatedAt: at}))

	r, _ = d.Get("r1")
	assert.Equal(t, "message unavailable", r.LastMessage.Text)
	assert.Equal(t, "r1", order(d)[0])
}

func TestUpsertLastMessageUnknownRoom(t *testing.T) {
	d := seeded(t, room("r1"))
	assert.False(t, d.UpsertLastMessage("nope", models.Message{ID: "m1"}))
}

func TestUpdateUnreadCount(t *testing.T) {
	d := seeded(t, room("r1"))
	require.True(t, d.UpdateUnreadCount("r1", "u1", 4))
	d.UpdateUnreadCount("r1", "u1", 2)

	r, _ := d.Get("r1")
	assert.Equal(t, 2, r.UnreadCount["u1"])
	assert.False(t, d.UpdateUnreadCount("nope", "u1", 1))
}

func TestUpdateParticipantPresenceFansOut(t *testing.T) {
	d := seeded(t, room("r1", "u1", "u2"), room("r2", "u1", "u2", "u3"), room("r3", "u1", "u3"))
	at := time.Now()

	assert.Equal(t, 2, d.UpdateParticipantPresence("u2", true, at))

	for _, id := range []string{"r1", "r2"} {
		r, _ := d.Get(id)
		for _, p := range r.Participants {
			if p.ID == "u2" {
				assert.True(t, p.IsOnline)
				assert.True(t, p.LastActive.Equal(at))
			}
		}
	}
}

func TestSetRoomStatusAndViews(t *testing.T) {
	blocked := room("r3")
	blocked.BlockedMe = true
	d := seeded(t, room("r1"), room("r2"), blocked)

	d.SetRoomStatus("r2", models.RoomRequest)
	d.UpdateUnreadCount("r1", "u1", 3)

	ids := func(rs []models.Room) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{"r1", "r3"}, ids(d.View(FilterAll, "u1")))
	assert.Equal(t, []string{"r1"}, ids(d.View(FilterUnread, "u1")))
	assert.Equal(t, []string{"r2"}, ids(d.View(FilterRequest, "u1")))
	assert.Equal(t, []string{"r3"}, ids(d.View(FilterBlocked, "u1")))
}

func TestClearLastMessage(t *testing.T) {
	d := seeded(t, room("r1"))
	d.UpsertLastMessage("r1", models.Message{ID: "m1", Content: "hello"})

	require.True(t, d.ClearLastMessage("r1"))
	r, _ := d.Get("r1")
	assert.Equal(t, "", r.LastMessage.Text)
}

func TestUpsertAndRemove(t *testing.T) {
	d := seeded(t, room("r1"), room("r2"))

	d.Upsert(room("r9"))
	assert.Equal(t, []string{"r9", "r1", "r2"}, order(d))

	d.UpsertLastMessage("r2", models.Message{ID: "m1", Content: "keep"})
	updated := room("r2")
	updated.Name = "renamed"
	d.Upsert(updated)

	r, _ := d.Get("r2")
	assert.Equal(t, "renamed", r.Name)
	assert.Equal(t, "keep", r.LastMessage.Text)

	assert.True(t, d.Remove("r9"))
	assert.False(t, d.Remove("r9"))
	assert.Equal(t, 2, d.Len())
}

func TestUpsertNewerSnapshotMovesToFront(t *testing.T) {
	d := seeded(t, room("r1"), room("r2"), room("r3"))
	base := time.Now()
	d.UpsertLastMessage("r3", models.Message{ID: "m1", Content: "old", CreatedAt: base})
	d.UpsertLastMessage("r1", models.Message{ID: "m2", Content: "newer", CreatedAt: base.Add(time.Second)})
	require.Equal(t, []string{"r1", "r3", "r2"}, order(d))

	// Same preview again: order is untouched.
	same := room("r3")
	same.LastMessage = &models.LastMessageMeta{ID: "m1", Text: "old", CreatedAt: base}
	d.Upsert(same)
	assert.Equal(t, []string{"r1", "r3", "r2"}, order(d))

	newer := room("r2")
	newer.LastMessage = &models.LastMessageMeta{ID: "m3", Text: "latest", CreatedAt: base.Add(time.Minute)}
	d.Upsert(newer)
	assert.Equal(t, []string{"r2", "r1", "r3"}, order(d))

	// A snapshot without a message keeps the preview, the counters and the slot.
	d.UpdateUnreadCount("r3", "u1", 5)
	d.Upsert(room("r3"))
	assert.Equal(t, []string{"r2", "r1", "r3"}, order(d))
	r, _ := d.Get("r3")
	assert.Equal(t, "old", r.LastMessage.Text)
	assert.Equal(t, 5, r.UnreadCount["u1"])
}

func TestParticipantIDs(t *testing.T) {
	d := seeded(t, room("r1", "me", "u2"), room("r2", "me", "u3", "u2"))
	assert.Equal(t, []string{"u2", "u3"}, d.ParticipantIDs("me"))
}

func TestParseFilter(t *testing.T) {
	assert.Equal(t, FilterUnread, ParseFilter("unread"))
	assert.Equal(t, FilterAll, ParseFilter("whatever"))
	assert.Equal(t, FilterAll, ParseFilter(""))
}
