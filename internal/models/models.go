// Package models defines the core data structures for ChannelMirror.
//
// It includes types for exported messages, forward batches, and per-channel
// sync state, which are shared across modules.
package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Validation constants shared across components.
const (
	// MaxWebhookUsernameLength is the destination cap on webhook display names.
	MaxWebhookUsernameLength = 80
	// MaxContentChunkLength is the per-post text limit with headroom for
	// part suffixes and quote prefixes (destination hard cap is 2000).
	MaxContentChunkLength = 1900
	// MaxFilenameLength caps sanitized attachment filenames.
	MaxFilenameLength = 180
)

// Error variables for better error handling and testability
var (
	ErrEmptyChannelID    = errors.New("channel id cannot be empty")
	ErrEmptyWebhookURL   = errors.New("webhook URL cannot be empty")
	ErrEmptyMessageID    = errors.New("message id cannot be empty")
	ErrExportNotSorted   = errors.New("export messages are not sorted by timestamp")
	ErrInvalidWindow     = errors.New("window since must precede until")
	ErrNegativeOverlap   = errors.New("overlap margin cannot be negative")
	ErrInvalidRetention  = errors.New("retention must be at least 1")
	ErrInvalidBatchLimit = errors.New("batch limits must be positive")
)

// Author identifies the sender of a source message. Exporters disagree on
// which name fields they populate, so all are kept and resolved on read.
type Author struct {
	Name      string `json:"name,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName resolves the best available name, clamped to the webhook cap.
func (a Author) DisplayName() string {
	name := a.Nickname
	if name == "" {
		name = a.Name
	}
	if name == "" {
		name = a.Username
	}
	if name == "" {
		name = "Unknown"
	}
	return ClampUsername(name)
}

// Attachment is a file reference carried by a message. Content is fetched
// from URL at forward time; SizeBytes is the exporter's size hint.
type Attachment struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Message is one exported source message.
type Message struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	Author      Author       `json:"author"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// ReplyToID is the source id of the message this one replies to, and
	// ReplyPreview a short "Replying to ..." quote used when that id has
	// no known mirrored counterpart.
	ReplyToID    string `json:"reply_to_id,omitempty"`
	ReplyPreview string `json:"reply_preview,omitempty"`
	JumpURL      string `json:"jump_url,omitempty"`
}

// BatchEntry places a message (or a continuation slice of its attachments)
// inside a forward batch. TextIncluded is true on exactly one entry per
// message so redistributed attachments never duplicate the text.
type BatchEntry struct {
	Message      Message
	Attachments  []Attachment
	TextIncluded bool
}

// ForwardBatch is an ordered group of entries sized to satisfy the
// destination's per-post attachment limits.
type ForwardBatch struct {
	Entries         []BatchEntry
	AttachmentCount int
	AttachmentBytes int64
}

// Messages returns the messages whose text ships in this batch, in order.
func (b ForwardBatch) Messages() []Message {
	var out []Message
	for _, e := range b.Entries {
		if e.TextIncluded {
			out = append(out, e.Message)
		}
	}
	return out
}

// MaxTimestamp returns the latest message timestamp in the batch, or the
// zero time for an empty batch.
func (b ForwardBatch) MaxTimestamp() time.Time {
	var max time.Time
	for _, e := range b.Entries {
		if e.Message.Timestamp.After(max) {
			max = e.Message.Timestamp
		}
	}
	return max
}

// OversizedAttachment records an attachment excluded from forwarding because
// it alone exceeds the per-file cap. Recorded, never silently dropped.
type OversizedAttachment struct {
	MessageID string `json:"message_id"`
	Filename  string `json:"filename"`
	URL       string `json:"url,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

// CycleStatus is the outcome of one per-channel mirror cycle.
type CycleStatus string

const (
	// CycleSuccess means the window was exported, forwarded, and committed.
	CycleSuccess CycleStatus = "success"
	// CycleNothingToDo means the planner found no new time range.
	CycleNothingToDo CycleStatus = "nothing_to_do"
	// CycleExportFailed means the exporter invocation failed; state untouched.
	CycleExportFailed CycleStatus = "export_failed"
	// CycleForwardFailed means a batch permanently failed; state untouched.
	CycleForwardFailed CycleStatus = "forward_failed"
)

// ClampUsername truncates a display name to the webhook cap. The cap is
// counted in characters, so multibyte names are never cut mid-rune.
func ClampUsername(s string) string {
	if len(s) <= MaxWebhookUsernameLength {
		return s
	}
	r := []rune(s)
	if len(r) <= MaxWebhookUsernameLength {
		return s
	}
	return string(r[:MaxWebhookUsernameLength])
}

var unsafeFilenameChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

// SanitizeFilename strips characters that are unsafe on common filesystems
// and bounds the length, preserving the extension where possible.
func SanitizeFilename(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if name == "" {
		return "file"
	}
	if len(name) > MaxFilenameLength {
		ext := ""
		if i := strings.LastIndex(name, "."); i >= 0 && len(name)-i <= 10 {
			ext = name[i:]
		}
		name = name[:MaxFilenameLength-len(ext)-1] + "~" + ext
	}
	return name
}
