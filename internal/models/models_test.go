package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusAdvanceIsMonotonic(t *testing.T) {
	cases := []struct {
		from, next, want MessageStatus
	}{
		{StatusPending, StatusSent, StatusSent},
		{StatusSent, StatusSeen, StatusSeen},
		{StatusPending, StatusSeen, StatusSeen},
		{StatusSeen, StatusSent, StatusSeen},
		{StatusSeen, StatusPending, StatusSeen},
		{StatusSent, StatusPending, StatusSent},
		{"", StatusPending, StatusPending},
		{"", "", StatusPending},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.Advance(tc.next), "%s -> %s", tc.from, tc.next)
	}
}

func TestIsPlaceholderRoomID(t *testing.T) {
	assert.True(t, IsPlaceholderRoomID("local-9f2c"))
	assert.False(t, IsPlaceholderRoomID("r1"))
	assert.False(t, IsPlaceholderRoomID(""))
}

func TestRoomCloneIsDeep(t *testing.T) {
	r := Room{
		ID:           "r1",
		Participants: []Participant{{ID: "a"}},
		UnreadCount:  map[string]int{"a": 2},
		LastMessage:  &LastMessageMeta{Text: "hi"},
	}
	c := r.Clone()
	c.Participants[0].ID = "b"
	c.UnreadCount["a"] = 9
	c.LastMessage.Text = "changed"

	assert.Equal(t, "a", r.Participants[0].ID)
	assert.Equal(t, 2, r.UnreadCount["a"])
	assert.Equal(t, "hi", r.LastMessage.Text)
}
