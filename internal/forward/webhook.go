package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// Defaults for the webhook transport.
const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 800 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
	DefaultPostTimeout = 90 * time.Second
	userAgent          = "channel-mirror/1.0"
)

// Opts holds configuration options for the webhook forwarder.
type Opts struct {
	Client      *http.Client
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxFetchBytes re-checks fetched attachment content against the
	// per-file cap; exporter size hints can undercount. 0 disables.
	MaxFetchBytes int64
}

// Option defines a configuration option for the webhook forwarder.
type Option func(*Opts)

// WithClient sets the HTTP client used for webhook posts and fetches.
func WithClient(c *http.Client) Option {
	return func(o *Opts) { o.Client = c }
}

// WithMaxAttempts bounds retries per post.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithBackoff sets the retry backoff base and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(o *Opts) { o.BaseBackoff = base; o.MaxBackoff = max }
}

// WithMaxFetchBytes sets the per-file cap re-checked after fetch.
func WithMaxFetchBytes(n int64) Option {
	return func(o *Opts) { o.MaxFetchBytes = n }
}

// Compile-time check that WebhookForwarder implements Forwarder.
var _ Forwarder = (*WebhookForwarder)(nil)

// WebhookForwarder posts batches to a webhook endpoint with multipart
// attachment upload, honoring rate-limit signaling with bounded backoff.
type WebhookForwarder struct {
	client        *http.Client
	maxAttempts   int
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	maxFetchBytes int64

	// sleep is injectable so tests do not wait out real backoff.
	sleep func(time.Duration)
}

// NewWebhookForwarder creates a webhook forwarder.
func NewWebhookForwarder(opts ...Option) *WebhookForwarder {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultPostTimeout}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &WebhookForwarder{
		client:        cfg.Client,
		maxAttempts:   cfg.MaxAttempts,
		baseBackoff:   cfg.BaseBackoff,
		maxBackoff:    cfg.MaxBackoff,
		maxFetchBytes: cfg.MaxFetchBytes,
		sleep:         time.Sleep,
	}
}

// fetchedFile is attachment content staged for multipart upload.
type fetchedFile struct {
	filename    string
	contentType string
	data        []byte
}

// SendBatch posts the batch's entries in order. Each entry becomes one or
// more webhook posts: the text (chunked under the destination cap) plus its
// attachment files. Returns a ForwardError on permanent failure.
func (f *WebhookForwarder) SendBatch(ctx context.Context, webhookURL string, batch models.ForwardBatch, links ReplyLinks) error {
	if webhookURL == "" {
		return &models.ForwardError{Retryable: false, Reason: "empty webhook URL", Err: models.ErrEmptyWebhookURL}
	}
	wh, err := ensureWaitParam(webhookURL)
	if err != nil {
		return &models.ForwardError{Retryable: false, Reason: "invalid webhook URL", Err: err}
	}

	for _, entry := range batch.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.sendEntry(ctx, wh, entry, links); err != nil {
			return err
		}
	}
	return nil
}

func (f *WebhookForwarder) sendEntry(ctx context.Context, webhookURL string, entry models.BatchEntry, links ReplyLinks) error {
	m := entry.Message

	files, linkLines := f.fetchAttachments(ctx, entry.Attachments)

	// replyRef threads this post at the destination: a resolved reply
	// target for the text post, the message's own mirrored post for an
	// attachment continuation.
	replyRef := ""
	header := ""
	if entry.TextIncluded {
		if m.ReplyToID != "" {
			replyRef = f.resolveLink(links, m.ReplyToID)
			if replyRef == "" {
				// Unresolvable reply target: degrade to a manual quote.
				if m.ReplyPreview != "" {
					header = m.ReplyPreview + "\n"
				} else {
					header = "(replying to an earlier message)\n"
				}
			}
		}
	} else {
		replyRef = f.resolveLink(links, m.ID)
	}

	content := ""
	if entry.TextIncluded {
		content = header + m.Body
	} else {
		content = fmt.Sprintf("(attachments continued from message %s)", m.ID)
	}
	if len(linkLines) > 0 {
		content = strings.TrimSpace(content + "\n" + strings.Join(linkLines, "\n"))
	}
	if content == "" && len(files) == 0 {
		content = "[no text]"
	}

	chunks := chunkText(content, models.MaxContentChunkLength)
	first := chunks[0]
	if len(chunks) > 1 {
		first += " (part 1)"
	}
	destID, err := f.post(ctx, webhookURL, m, first, files, replyRef)
	if err != nil {
		return err
	}
	if entry.TextIncluded && destID != "" && links != nil {
		if err := links.Record(m.ID, destID); err != nil {
			slog.Warn("WebhookForwarder.sendEntry: failed to record message link",
				"messageID", m.ID, "destID", destID, "error", err)
		}
	}
	// Continuation chunks thread onto the first post when its id is known.
	followRef := destID
	if followRef == "" {
		followRef = replyRef
	}
	for i, extra := range chunks[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := f.post(ctx, webhookURL, m, fmt.Sprintf("%s (part %d)", extra, i+2), nil, followRef); err != nil {
			return err
		}
	}
	return nil
}

// resolveLink looks up a mirrored destination id, treating lookup errors
// as unresolved so delivery never fails on the map.
func (f *WebhookForwarder) resolveLink(links ReplyLinks, srcID string) string {
	if links == nil || srcID == "" {
		return ""
	}
	destID, ok, err := links.Lookup(srcID)
	if err != nil {
		slog.Warn("WebhookForwarder.resolveLink: lookup failed", "srcID", srcID, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return destID
}

// fetchAttachments downloads attachment content. Unfetchable or
// over-the-cap content degrades to a link line rather than failing the
// batch; the batcher has already excluded known-oversized files.
func (f *WebhookForwarder) fetchAttachments(ctx context.Context, atts []models.Attachment) ([]fetchedFile, []string) {
	var files []fetchedFile
	var links []string
	for _, att := range atts {
		data, err := f.fetch(ctx, att.URL)
		if err != nil {
			slog.Warn("WebhookForwarder.fetchAttachments: fetch failed, linking instead",
				"url", att.URL, "error", err)
			links = append(links, "[Attachment unavailable] "+att.URL)
			continue
		}
		if f.maxFetchBytes > 0 && int64(len(data)) > f.maxFetchBytes {
			slog.Warn("WebhookForwarder.fetchAttachments: content exceeds cap, linking instead",
				"url", att.URL, "sizeBytes", len(data))
			links = append(links, "[Attachment too large] "+att.URL)
			continue
		}
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		files = append(files, fetchedFile{filename: att.Filename, contentType: ct, data: data})
	}
	return files, links
}

func (f *WebhookForwarder) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			f.sleep(f.backoff(attempt))
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			f.sleep(f.backoff(attempt))
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		lastErr = fmt.Errorf("fetch status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			f.sleep(retryAfter(resp))
		} else if resp.StatusCode >= 500 {
			f.sleep(f.backoff(attempt))
		} else {
			break
		}
	}
	return nil, lastErr
}

// post delivers one webhook request with bounded retries and returns the
// id of the created destination message (empty when the response carries
// none). 429 honors Retry-After; 5xx and transport errors back off
// exponentially with jitter; other 4xx fail immediately as non-retryable.
func (f *WebhookForwarder) post(ctx context.Context, webhookURL string, m models.Message, content string, files []fetchedFile, replyRef string) (string, error) {
	payload := map[string]interface{}{
		"content":  content,
		"username": m.Author.DisplayName(),
	}
	if m.Author.AvatarURL != "" {
		payload["avatar_url"] = m.Author.AvatarURL
	}
	if replyRef != "" {
		payload["message_reference"] = map[string]interface{}{
			"message_id":         replyRef,
			"fail_if_not_exists": false,
		}
	}

	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := f.doPost(ctx, webhookURL, payload, files)
		if err != nil {
			slog.Warn("WebhookForwarder.post: transport error, retrying", "attempt", attempt, "error", err)
			f.sleep(f.backoff(attempt))
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			// wait=true responses describe the created message.
			var created struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(respBody, &created); err != nil {
				return "", nil
			}
			return created.ID, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp)
			slog.Warn("WebhookForwarder.post: rate limited", "retryAfter", wait, "attempt", attempt)
			f.sleep(wait)
		case resp.StatusCode >= 500:
			slog.Warn("WebhookForwarder.post: server error, retrying", "status", resp.StatusCode, "attempt", attempt)
			f.sleep(f.backoff(attempt))
		default:
			return "", &models.ForwardError{
				Retryable:  false,
				StatusCode: resp.StatusCode,
				Reason:     fmt.Sprintf("destination rejected post for message %s", m.ID),
			}
		}
	}
	return "", &models.ForwardError{
		Retryable: true,
		Reason:    fmt.Sprintf("retries exhausted after %d attempts for message %s", f.maxAttempts, m.ID),
	}
}

func (f *WebhookForwarder) doPost(ctx context.Context, webhookURL string, payload map[string]interface{}, files []fetchedFile) (*http.Response, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	contentType := "application/json"
	if len(files) > 0 {
		w := multipart.NewWriter(&body)
		if err := w.WriteField("payload_json", string(payloadJSON)); err != nil {
			return nil, err
		}
		for i, file := range files {
			part, err := w.CreateFormFile(fmt.Sprintf("files[%d]", i), file.filename)
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(file.data); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		contentType = w.FormDataContentType()
	} else {
		body.Write(payloadJSON)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", userAgent)
	return f.client.Do(req)
}

// backoff returns an exponential delay with jitter, capped.
func (f *WebhookForwarder) backoff(attempt int) time.Duration {
	d := f.baseBackoff << uint(attempt)
	if d > f.maxBackoff {
		d = f.maxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(f.baseBackoff)/4+1))
}

// retryAfter parses the Retry-After header, defaulting to one second and
// flooring at 200ms.
func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64)
	if err != nil || secs <= 0 {
		secs = 1
	}
	d := time.Duration(secs * float64(time.Second))
	if d < 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	return d
}

// ensureWaitParam pins wait=true on the webhook URL so the destination
// confirms delivery synchronously.
func ensureWaitParam(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("wait") != "true" {
		q.Set("wait", "true")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// chunkText splits s into pieces of at most limit characters. The
// destination cap counts characters, and splitting on rune boundaries
// keeps multibyte text intact across chunks. Empty input yields a single
// empty chunk.
func chunkText(s string, limit int) []string {
	if s == "" {
		return []string{""}
	}
	if len(s) <= limit {
		return []string{s}
	}
	var out []string
	r := []rune(s)
	for len(r) > limit {
		out = append(out, string(r[:limit]))
		r = r[limit:]
	}
	return append(out, string(r))
}
