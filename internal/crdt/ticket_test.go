package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWinner_SmallestTimestamp(t *testing.T) {
	a := Ticket{ID: "A", Timestamp: 5}
	b := Ticket{ID: "B", Timestamp: 3}

	for _, order := range [][]Ticket{{a, b}, {b, a}} {
		w, ok := Winner(order)
		require.True(t, ok)
		assert.Equal(t, b, w)
	}
}

func TestWinner_TieBrokenByID(t *testing.T) {
	w, ok := Winner([]Ticket{{ID: "z", Timestamp: 7}, {ID: "m", Timestamp: 7}, {ID: "q", Timestamp: 7}})
	require.True(t, ok)
	assert.Equal(t, "m", w.ID)
}

func TestWinner_Empty(t *testing.T) {
	_, ok := Winner(nil)
	assert.False(t, ok)
}

func TestDecodeTickets(t *testing.T) {
	entries := map[string][]byte{
		"ticket_A": []byte(`{"id":"A","timestamp":5}`),
		"ticket_B": []byte(`{"id":"B","timestamp":3}`),
		"ticket_C": []byte(`not json`),
		"ticket_D": []byte(`{"timestamp":1}`),
		"other":    []byte(`{"id":"X","timestamp":0}`),
	}
	got := DecodeTickets(entries)
	require.Equal(t, []Ticket{{ID: "B", Timestamp: 3}, {ID: "A", Timestamp: 5}}, got)
	assert.Equal(t, "ticket_B", got[0].Key())
}

func TestDiff(t *testing.T) {
	cases := []struct {
		prev, next string
		want       Edit
	}{
		{"", "abc", Edit{Offset: 0, Insert: "abc"}},
		{"abc", "", Edit{Offset: 0, Delete: 3}},
		{"s(\"bd\")", "s(\"bd sd\")", Edit{Offset: 5, Insert: " sd"}},
		{"hello world", "hello brave world", Edit{Offset: 6, Insert: "brave "}},
		{"aaa", "aa", Edit{Offset: 2, Delete: 1}},
		{"ñandú", "ñandúes", Edit{Offset: 5, Insert: "es"}},
		{"abc", "axc", Edit{Offset: 1, Delete: 1, Insert: "x"}},
	}
	for _, c := range cases {
		got, ok := Diff(c.prev, c.next)
		require.True(t, ok, "%q -> %q", c.prev, c.next)
		assert.Equal(t, c.want, got, "%q -> %q", c.prev, c.next)

		out, err := Splice(c.prev, got.Offset, got.Delete, got.Insert)
		require.NoError(t, err)
		assert.Equal(t, c.next, out)
	}

	_, ok := Diff("same", "same")
	assert.False(t, ok)
}

func TestRebase_LocalEditOverRemote(t *testing.T) {
	cases := []struct {
		name                string
		base, remote, local string
		want                string
	}{
		{"remote prepend, local append", "abc", "Xabc", "abcd", "Xabcd"},
		{"local before remote", "abc", "abcX", "Yabc", "YabcX"},
		{"same offset keeps remote first", "abc", "abXc", "abYc", "abXYc"},
		{"overlapping deletes", "abcdef", "abef", "af", "af"},
		{"remote insert inside local delete", "abcdef", "abcXdef", "af", "aXf"},
		{"local replace inside remote delete", "abcdef", "af", "abZef", "aZf"},
		{"local delete ends at remote insert", "hello world", "hello brave world", "world", "brave world"},
		{"runes", "ñandú", "el ñandú", "ñandúes", "el ñandúes"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			remote, ok := Diff(c.base, c.remote)
			require.True(t, ok)
			local, ok := Diff(c.base, c.local)
			require.True(t, ok)

			doc := c.remote
			for _, e := range rebase(local, remote) {
				var err error
				doc, err = Splice(doc, e.Offset, e.Delete, e.Insert)
				require.NoError(t, err)
			}
			assert.Equal(t, c.want, doc)
		})
	}
}

func TestSplice_OutOfRange(t *testing.T) {
	_, err := Splice("abc", 4, 0, "x")
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = Splice("abc", 2, 2, "")
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = Splice("abc", -1, 0, "")
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestPresenceChange_Empty(t *testing.T) {
	assert.True(t, PresenceChange{}.Empty())
	assert.False(t, PresenceChange{Removed: []string{"x"}}.Empty())
}
