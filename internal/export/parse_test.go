package export

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

const exportDoc = `{
  "messages": [
    {
      "id": "100",
      "timestamp": "2025-06-01T12:00:00Z",
      "content": "hello",
      "author": {"name": "alice", "nickname": "Al", "avatarUrl": "https://cdn.example/a.png"},
      "attachments": [
        {"url": "https://cdn.example/pic.png", "fileName": "pic.png", "contentType": "image/png", "fileSizeBytes": 1234}
      ]
    },
    {
      "id": "101",
      "timestamp": "2025-06-01T12:01:00+00:00",
      "content": "reply",
      "author": {"username": "bob"},
      "reference": {"messageId": "100"}
    }
  ]
}`

func TestParseExportDocument(t *testing.T) {
	msgs, err := Parse([]byte(exportDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	m := msgs[0]
	if m.ID != "100" || m.Body != "hello" {
		t.Errorf("first message not parsed: %+v", m)
	}
	if m.Author.DisplayName() != "Al" {
		t.Errorf("nickname should win, got %q", m.Author.DisplayName())
	}
	if len(m.Attachments) != 1 || m.Attachments[0].SizeBytes != 1234 || m.Attachments[0].Filename != "pic.png" {
		t.Errorf("attachment not parsed: %+v", m.Attachments)
	}
	if msgs[1].ReplyToID != "100" {
		t.Errorf("reply reference not resolved: %q", msgs[1].ReplyToID)
	}
}

func TestParseBareArray(t *testing.T) {
	doc := `[{"id": "1", "timestamp": "2025-06-01T12:00:00Z", "content": "x", "author": {"name": "a"}}]`
	msgs, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "1" {
		t.Errorf("bare array not parsed: %+v", msgs)
	}
}

func TestParseSkipsMessagesWithoutID(t *testing.T) {
	doc := `{"messages": [
	  {"timestamp": "2025-06-01T12:00:00Z", "content": "no id"},
	  {"id": "2", "timestamp": "2025-06-01T12:01:00Z", "content": "ok"}
	]}`
	msgs, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "2" {
		t.Errorf("id-less message should be skipped: %+v", msgs)
	}
}

func TestParseRejectsUnsortedExport(t *testing.T) {
	doc := `{"messages": [
	  {"id": "1", "timestamp": "2025-06-01T12:05:00Z"},
	  {"id": "2", "timestamp": "2025-06-01T12:00:00Z"}
	]}`
	_, err := Parse([]byte(doc))
	if !errors.Is(err, models.ErrExportNotSorted) {
		t.Errorf("expected ErrExportNotSorted, got %v", err)
	}
}

func TestParseRejectsMalformedDocument(t *testing.T) {
	if _, err := Parse([]byte(`{"messages": 42}`)); err == nil {
		t.Error("expected error for malformed document")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("expected error for non-JSON input")
	}
}

func TestParseTimestampVariants(t *testing.T) {
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []string{
		"2025-06-01T12:00:00Z",
		"2025-06-01T12:00:00+00:00",
		"2025-06-01T12:00:00",
	}
	for _, s := range cases {
		got, err := ParseTimestamp(s)
		if err != nil {
			t.Errorf("ParseTimestamp(%q): %v", s, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", s, got, want)
		}
	}
	if got, err := ParseTimestamp("2025-06-01"); err != nil || !got.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date-only timestamp: got %v, %v", got, err)
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Error("expected error for invalid timestamp")
	}
	if _, err := ParseTimestamp(""); err == nil {
		t.Error("expected error for empty timestamp")
	}
}

func TestParseReplyPreview(t *testing.T) {
	doc := `{"messages": [{
	  "id": "2",
	  "timestamp": "2025-06-01T12:01:00Z",
	  "content": "agreed",
	  "author": {"name": "bob"},
	  "reference": {"messageId": "1"},
	  "referencedMessage": {"id": "1", "content": "shall we?", "author": {"name": "alice", "nickname": "Al"}}
	}]}`
	msgs, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := msgs[0]
	if m.ReplyToID != "1" {
		t.Errorf("reply target not resolved: %q", m.ReplyToID)
	}
	if want := "Replying to Al: “shall we?”"; m.ReplyPreview != want {
		t.Errorf("preview = %q, want %q", m.ReplyPreview, want)
	}
}

func TestParseReplyPreviewTruncatesLongQuote(t *testing.T) {
	long := strings.Repeat("あ", 200)
	doc := `{"messages": [{
	  "id": "2",
	  "timestamp": "2025-06-01T12:01:00Z",
	  "author": {"name": "bob"},
	  "referencedMessage": {"id": "1", "content": "` + long + `"}
	}]}`
	msgs, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	preview := msgs[0].ReplyPreview
	if !utf8.ValidString(preview) {
		t.Error("preview is invalid UTF-8")
	}
	if !strings.Contains(preview, strings.Repeat("あ", 120)+"…") {
		t.Errorf("quote not truncated at 120 characters: %q", preview)
	}
	if strings.Contains(preview, strings.Repeat("あ", 121)) {
		t.Errorf("quote exceeds 120 characters: %q", preview)
	}
	if !strings.Contains(preview, "Replying to Unknown:") {
		t.Errorf("author-less reference should fall back to Unknown: %q", preview)
	}
}

func TestParseNoReferenceNoPreview(t *testing.T) {
	doc := `{"messages": [{"id": "1", "timestamp": "2025-06-01T12:00:00Z", "content": "x", "author": {"name": "a"}}]}`
	msgs, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgs[0].ReplyToID != "" || msgs[0].ReplyPreview != "" {
		t.Errorf("plain message must carry no reply fields: %+v", msgs[0])
	}
}

func TestParseAttachmentFallbacks(t *testing.T) {
	doc := `{"messages": [{
	  "id": "1",
	  "timestamp": "2025-06-01T12:00:00Z",
	  "attachments": [
	    {"proxyUrl": "https://cdn.example/files/report.pdf", "size": 99},
	    {"fileName": "noturl.bin"}
	  ]
	}]}`
	msgs, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	atts := msgs[0].Attachments
	if len(atts) != 1 {
		t.Fatalf("url-less attachment should be skipped, got %d", len(atts))
	}
	if atts[0].Filename != "report.pdf" || atts[0].SizeBytes != 99 {
		t.Errorf("fallbacks not applied: %+v", atts[0])
	}
}
