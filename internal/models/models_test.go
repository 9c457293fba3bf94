package models

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestAuthorDisplayName(t *testing.T) {
	cases := []struct {
		name   string
		author Author
		want   string
	}{
		{"nickname wins", Author{Nickname: "nick", Name: "name", Username: "user"}, "nick"},
		{"name fallback", Author{Name: "name", Username: "user"}, "name"},
		{"username fallback", Author{Username: "user"}, "user"},
		{"empty", Author{}, "Unknown"},
	}
	for _, c := range cases {
		if got := c.author.DisplayName(); got != c.want {
			t.Errorf("%s: expected %q, got %q", c.name, c.want, got)
		}
	}
}

func TestClampUsername(t *testing.T) {
	long := strings.Repeat("a", 200)
	if got := ClampUsername(long); len(got) != MaxWebhookUsernameLength {
		t.Errorf("expected clamp to %d, got %d", MaxWebhookUsernameLength, len(got))
	}
	if got := ClampUsername("short"); got != "short" {
		t.Errorf("short name should be unchanged, got %q", got)
	}
}

func TestClampUsernameMultibyte(t *testing.T) {
	// 100 three-byte runes; the cap counts characters, not bytes.
	long := strings.Repeat("あ", 100)
	got := ClampUsername(long)
	if !utf8.ValidString(got) {
		t.Errorf("clamped name is invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != MaxWebhookUsernameLength {
		t.Errorf("expected %d characters, got %d", MaxWebhookUsernameLength, n)
	}
	// A multibyte name within the character cap passes through unchanged
	// even though it exceeds the cap in bytes.
	exact := strings.Repeat("あ", MaxWebhookUsernameLength)
	if got := ClampUsername(exact); got != exact {
		t.Errorf("name at the cap should be unchanged, got %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename(`a/b\c:d*e?f"g<h>i|j.png`); strings.ContainsAny(got, `/\:*?"<>|`) {
		t.Errorf("unsafe characters survived: %q", got)
	}
	if got := SanitizeFilename(""); got != "file" {
		t.Errorf("empty filename should become 'file', got %q", got)
	}
	long := strings.Repeat("x", 300) + ".tar.gz"
	got := SanitizeFilename(long)
	if len(got) > MaxFilenameLength {
		t.Errorf("filename not bounded: len=%d", len(got))
	}
	if !strings.HasSuffix(got, ".gz") {
		t.Errorf("extension lost: %q", got)
	}
}

func TestWindowValidate(t *testing.T) {
	now := time.Now()
	if err := (Window{Since: now, Until: now.Add(time.Minute)}).Validate(); err != nil {
		t.Errorf("valid window rejected: %v", err)
	}
	if err := (Window{Since: now, Until: now}).Validate(); err == nil {
		t.Error("empty window accepted")
	}
	if err := (Window{Since: now.Add(time.Minute), Until: now}).Validate(); err == nil {
		t.Error("inverted window accepted")
	}
}

func TestForwardBatchMessages(t *testing.T) {
	msg := func(id string) Message { return Message{ID: id, Timestamp: time.Now()} }
	b := ForwardBatch{Entries: []BatchEntry{
		{Message: msg("1"), TextIncluded: true},
		{Message: msg("2"), TextIncluded: true},
		{Message: msg("2"), TextIncluded: false}, // attachment continuation
	}}
	got := b.Messages()
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Errorf("unexpected messages: %+v", got)
	}
}

func TestForwardBatchMaxTimestamp(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := ForwardBatch{Entries: []BatchEntry{
		{Message: Message{ID: "1", Timestamp: t0}},
		{Message: Message{ID: "2", Timestamp: t0.Add(time.Minute)}},
		{Message: Message{ID: "3", Timestamp: t0.Add(30 * time.Second)}},
	}}
	if got := b.MaxTimestamp(); !got.Equal(t0.Add(time.Minute)) {
		t.Errorf("expected max %v, got %v", t0.Add(time.Minute), got)
	}
	var empty ForwardBatch
	if !empty.MaxTimestamp().IsZero() {
		t.Error("empty batch should have zero max timestamp")
	}
}

func TestChannelStateBoundarySet(t *testing.T) {
	s := ChannelState{BoundaryIDs: []string{"a", "b"}}
	set := s.BoundarySet()
	if _, ok := set["a"]; !ok {
		t.Error("missing id a")
	}
	if _, ok := set["c"]; ok {
		t.Error("unexpected id c")
	}
	if s.HasCursor() {
		t.Error("zero cursor should report no cursor")
	}
	s.LastForwarded = time.Now()
	if !s.HasCursor() {
		t.Error("set cursor should report cursor")
	}
}
