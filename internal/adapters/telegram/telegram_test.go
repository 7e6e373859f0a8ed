package telegram

import "testing"

func TestChannelIDRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		chatID   int64
		threadID int
		want     string
	}{
		{-1001234, 0, "-1001234"},
		{-1001234, 77, "-1001234:77"},
		{42, 1, "42:1"},
	}
	for _, tc := range cases {
		got := ChannelID(tc.chatID, tc.threadID)
		if got != tc.want {
			t.Fatalf("ChannelID(%d, %d) = %q, want %q", tc.chatID, tc.threadID, got, tc.want)
		}
		chat, thread, err := splitChannelID(got)
		if err != nil || chat != tc.chatID || thread != tc.threadID {
			t.Fatalf("splitChannelID(%q) = %d, %d, %v", got, chat, thread, err)
		}
	}
}

func TestSplitChannelIDRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"", "abc", "12:xyz", ":5", "1:2:3"} {
		if _, _, err := splitChannelID(id); err == nil {
			t.Fatalf("splitChannelID(%q) accepted malformed id", id)
		}
	}
}
