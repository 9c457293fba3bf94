// Package forward delivers forward batches to the destination webhook.
//
// It defines a pluggable delivery abstraction so the orchestrator can run
// against the real webhook transport or a dry-run simulator.
package forward

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// ReplyLinks resolves source message ids to their mirrored destination ids
// for one channel, and records ids minted by new posts. A reply whose
// target resolves becomes a real reply at the destination; an unresolved
// one degrades to a quoted preview.
type ReplyLinks interface {
	Lookup(srcID string) (string, bool, error)
	Record(srcID, destID string) error
}

// Forwarder posts one batch to a destination. Implementations must post
// strictly in entry order and return a ForwardError on permanent failure;
// the caller never posts batch N+1 until batch N is confirmed. links may
// be nil, which disables reply resolution.
type Forwarder interface {
	SendBatch(ctx context.Context, webhookURL string, batch models.ForwardBatch, links ReplyLinks) error
}

// DryRunForwarder simulates delivery without contacting the transport.
// Committing still advances normally, which keeps dry runs testable.
type DryRunForwarder struct{}

func (DryRunForwarder) SendBatch(ctx context.Context, webhookURL string, batch models.ForwardBatch, links ReplyLinks) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Info("DryRunForwarder.SendBatch: would deliver batch",
		"messages", len(batch.Messages()),
		"attachments", batch.AttachmentCount,
		"attachmentBytes", batch.AttachmentBytes)
	return nil
}
