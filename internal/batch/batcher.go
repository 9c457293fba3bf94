// Package batch slices an ordered message sequence into forward batches
// that satisfy the destination's per-post attachment limits.
//
// Packing is greedy and strictly order-preserving: concatenating the
// text-bearing entries of all batches reproduces the input exactly. Only
// attachment accounting can force a split; text-only messages always fit.
package batch

import (
	"log/slog"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// Default limits matching the destination webhook contract.
const (
	DefaultMaxAttachmentMB = 25.0
	DefaultMaxBatchMB      = 25.0
	DefaultMaxFilesPerPost = 10
	// HardMaxFilesPerPost is the destination's absolute per-post file cap.
	HardMaxFilesPerPost = 10
)

// Batcher packs messages into batches bounded by per-file size, cumulative
// size, and file count.
type Batcher struct {
	maxAttachmentBytes int64
	maxBatchBytes      int64
	maxFilesPerPost    int
}

// New creates a Batcher from MB-denominated limits. Zero values select the
// defaults; the file count is clamped to the destination's hard cap.
func New(maxAttachMB, maxBatchMB float64, maxFilesPerPost int) (*Batcher, error) {
	if maxAttachMB == 0 {
		maxAttachMB = DefaultMaxAttachmentMB
	}
	if maxBatchMB == 0 {
		maxBatchMB = DefaultMaxBatchMB
	}
	if maxFilesPerPost == 0 {
		maxFilesPerPost = DefaultMaxFilesPerPost
	}
	if maxAttachMB < 0 || maxBatchMB < 0 || maxFilesPerPost < 0 {
		return nil, models.ErrInvalidBatchLimit
	}
	if maxFilesPerPost > HardMaxFilesPerPost {
		maxFilesPerPost = HardMaxFilesPerPost
	}
	b := &Batcher{
		maxAttachmentBytes: int64(maxAttachMB * 1024 * 1024),
		maxBatchBytes:      int64(maxBatchMB * 1024 * 1024),
		maxFilesPerPost:    maxFilesPerPost,
	}
	// A per-file cap above the cumulative cap would let a single fitting
	// attachment overflow an empty batch.
	if b.maxAttachmentBytes > b.maxBatchBytes {
		b.maxAttachmentBytes = b.maxBatchBytes
	}
	return b, nil
}

// Pack groups msgs into conforming batches, in order. Attachments whose
// size alone exceeds the per-file cap are excluded and returned as flagged
// oversized records; the owning message's text still ships.
func (b *Batcher) Pack(msgs []models.Message) ([]models.ForwardBatch, []models.OversizedAttachment) {
	var batches []models.ForwardBatch
	var oversized []models.OversizedAttachment
	var current models.ForwardBatch

	closeCurrent := func() {
		if len(current.Entries) > 0 {
			batches = append(batches, current)
			current = models.ForwardBatch{}
		}
	}

	for _, m := range msgs {
		fit := make([]models.Attachment, 0, len(m.Attachments))
		for _, att := range m.Attachments {
			if att.SizeBytes > b.maxAttachmentBytes {
				slog.Warn("Batcher.Pack: attachment exceeds per-file cap, flagged",
					"messageID", m.ID, "filename", att.Filename, "sizeBytes", att.SizeBytes)
				oversized = append(oversized, models.OversizedAttachment{
					MessageID: m.ID,
					Filename:  att.Filename,
					URL:       att.URL,
					SizeBytes: att.SizeBytes,
				})
				continue
			}
			fit = append(fit, att)
		}

		bytes := attachmentBytes(fit)
		if len(fit) <= b.maxFilesPerPost && bytes <= b.maxBatchBytes {
			// The message fits in a single batch; start a fresh one if the
			// current batch cannot absorb it.
			if !b.fits(current, len(fit), bytes) {
				closeCurrent()
			}
			current.Entries = append(current.Entries, models.BatchEntry{
				Message:      m,
				Attachments:  fit,
				TextIncluded: true,
			})
			current.AttachmentCount += len(fit)
			current.AttachmentBytes += bytes
			continue
		}

		// The message alone overflows a whole batch: redistribute its
		// attachments across consecutive batches, text in the first only.
		closeCurrent()
		first := true
		for len(fit) > 0 {
			n, chunkBytes := b.takeChunk(fit)
			current.Entries = append(current.Entries, models.BatchEntry{
				Message:      m,
				Attachments:  fit[:n],
				TextIncluded: first,
			})
			current.AttachmentCount += n
			current.AttachmentBytes += chunkBytes
			first = false
			fit = fit[n:]
			if len(fit) > 0 {
				closeCurrent()
			}
		}
	}
	closeCurrent()
	return batches, oversized
}

// fits reports whether a batch can absorb n more files of total size bytes.
func (b *Batcher) fits(batch models.ForwardBatch, n int, bytes int64) bool {
	return batch.AttachmentCount+n <= b.maxFilesPerPost &&
		batch.AttachmentBytes+bytes <= b.maxBatchBytes
}

// takeChunk returns the longest prefix of atts that fits an empty batch.
// Always at least one attachment: per-file filtering ran first, so a single
// attachment never exceeds the batch byte limit on its own.
func (b *Batcher) takeChunk(atts []models.Attachment) (int, int64) {
	var bytes int64
	n := 0
	for _, att := range atts {
		if n+1 > b.maxFilesPerPost || bytes+att.SizeBytes > b.maxBatchBytes {
			break
		}
		n++
		bytes += att.SizeBytes
	}
	if n == 0 {
		n = 1
		bytes = atts[0].SizeBytes
	}
	return n, bytes
}

func attachmentBytes(atts []models.Attachment) int64 {
	var total int64
	for _, att := range atts {
		total += att.SizeBytes
	}
	return total
}
