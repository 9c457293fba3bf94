// Package export invokes the external channel exporter and parses its
// JSON output into the shared message model.
package export

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// Exporter output varies between versions; raw shapes keep every field
// fallback observed in the wild and resolve them on normalization.

type rawExport struct {
	Messages []rawMessage `json:"messages"`
}

type rawAuthor struct {
	Name      string `json:"name"`
	Nickname  string `json:"nickname"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
	Avatar    string `json:"avatar_url"`
}

type rawAttachment struct {
	URL           string `json:"url"`
	ProxyURL      string `json:"proxyUrl"`
	FileName      string `json:"fileName"`
	Filename      string `json:"filename"`
	ContentType   string `json:"contentType"`
	Size          int64  `json:"size"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
}

type rawReference struct {
	MessageID string     `json:"messageId"`
	ID        string     `json:"id"`
	Author    *rawAuthor `json:"author"`
	Content   string     `json:"content"`
}

type rawMessage struct {
	ID                string          `json:"id"`
	Timestamp         string          `json:"timestamp"`
	Content           string          `json:"content"`
	Author            rawAuthor       `json:"author"`
	Attachments       []rawAttachment `json:"attachments"`
	Reference         *rawReference   `json:"reference"`
	ReferencedMessage *rawReference   `json:"referencedMessage"`
	URL               string          `json:"url"`
	JumpURL           string          `json:"jumpUrl"`
}

// Parse decodes an exporter JSON document (either {"messages": [...]} or a
// bare message array) into ordered messages. Messages without an id are
// skipped. The exporter's timestamp-ascending ordering is asserted rather
// than repaired: a violation fails the cycle fast.
func Parse(data []byte) ([]models.Message, error) {
	var doc rawExport
	if err := json.Unmarshal(data, &doc); err != nil || doc.Messages == nil {
		var bare []rawMessage
		if err2 := json.Unmarshal(data, &bare); err2 != nil {
			return nil, fmt.Errorf("malformed export document: %w", firstErr(err, err2))
		}
		doc.Messages = bare
	}

	msgs := make([]models.Message, 0, len(doc.Messages))
	for _, raw := range doc.Messages {
		if raw.ID == "" {
			continue
		}
		ts, err := ParseTimestamp(raw.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", raw.ID, err)
		}
		msgs = append(msgs, models.Message{
			ID:           raw.ID,
			Timestamp:    ts,
			Author:       normalizeAuthor(raw.Author),
			Body:         raw.Content,
			Attachments:  normalizeAttachments(raw.Attachments),
			ReplyToID:    replyReference(raw),
			ReplyPreview: replyPreview(raw),
			JumpURL:      firstNonEmpty(raw.URL, raw.JumpURL),
		})
	}

	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: message %s precedes %s", models.ErrExportNotSorted, msgs[i].ID, msgs[i-1].ID)
		}
	}
	return msgs, nil
}

// ParseTimestamp accepts the exporter's timestamp variants: RFC 3339 with or
// without sub-second precision, offset-less ISO (assumed UTC), and plain
// dates (midnight UTC).
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func normalizeAuthor(a rawAuthor) models.Author {
	return models.Author{
		Name:      a.Name,
		Nickname:  a.Nickname,
		Username:  a.Username,
		AvatarURL: firstNonEmpty(a.AvatarURL, a.Avatar),
	}
}

func normalizeAttachments(raw []rawAttachment) []models.Attachment {
	var out []models.Attachment
	for _, a := range raw {
		url := firstNonEmpty(a.URL, a.ProxyURL)
		if url == "" {
			continue
		}
		name := firstNonEmpty(a.FileName, a.Filename)
		if name == "" {
			name = path.Base(url)
		}
		size := a.Size
		if size == 0 {
			size = a.FileSizeBytes
		}
		out = append(out, models.Attachment{
			Filename:    models.SanitizeFilename(name),
			URL:         url,
			ContentType: a.ContentType,
			SizeBytes:   size,
		})
	}
	return out
}

func replyReference(m rawMessage) string {
	if m.Reference != nil {
		if id := firstNonEmpty(m.Reference.MessageID, m.Reference.ID); id != "" {
			return id
		}
	}
	if m.ReferencedMessage != nil {
		return m.ReferencedMessage.ID
	}
	return ""
}

// maxReplyPreviewChars bounds the quoted text in a reply preview.
const maxReplyPreviewChars = 120

// replyPreview builds a short "Replying to ..." quote from the embedded
// referenced message, used when the reply target has no known mirrored
// counterpart.
func replyPreview(m rawMessage) string {
	ref := m.ReferencedMessage
	if ref == nil || replyReference(m) == "" {
		return ""
	}
	author := "Unknown"
	if ref.Author != nil {
		author = normalizeAuthor(*ref.Author).DisplayName()
	}
	content := ref.Content
	if r := []rune(content); len(r) > maxReplyPreviewChars {
		content = string(r[:maxReplyPreviewChars]) + "…"
	}
	return fmt.Sprintf("Replying to %s: “%s”", author, content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
