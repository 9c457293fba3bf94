// Package mirror sequences per-channel mirror cycles: plan a window, export
// it, dedup the overlap, batch, forward, commit, prune.
//
// Cycles are channel-local: a failed export or forward aborts that
// channel's cycle with state untouched and the loop moves on. State only
// advances after every batch in the cycle is confirmed delivered, which
// gives at-least-once delivery with overlap duplicates absorbed by the
// dedup filter.
package mirror

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ChannelMirror/internal/batch"
	"github.com/BTreeMap/ChannelMirror/internal/config"
	"github.com/BTreeMap/ChannelMirror/internal/dedup"
	"github.com/BTreeMap/ChannelMirror/internal/export"
	"github.com/BTreeMap/ChannelMirror/internal/forward"
	"github.com/BTreeMap/ChannelMirror/internal/models"
	"github.com/BTreeMap/ChannelMirror/internal/retention"
	"github.com/BTreeMap/ChannelMirror/internal/store"
	"github.com/BTreeMap/ChannelMirror/internal/window"
)

// Exporter is the external-exporter collaborator seen by the orchestrator.
type Exporter interface {
	Export(ctx context.Context, channelID string, w models.Window) (*export.Result, error)
	ArtifactDir(channelID string) string
}

// Default loop settings.
const (
	DefaultCycleDelay = 5 * time.Minute
	DefaultOverlap    = time.Minute
	DefaultRetention  = 100
)

// Options is the explicit configuration handed to the orchestrator at
// construction. No ambient globals.
type Options struct {
	// Overlap is the window overlap margin; see internal/window.
	Overlap time.Duration
	// WindowSize bounds one export window; 0 means unbounded.
	WindowSize time.Duration
	// CycleDelay is the pause between full passes in Run.
	CycleDelay time.Duration
	// Retention caps export artifacts kept per channel.
	Retention int
	// Batch limits, MB-denominated; zero selects batch package defaults.
	MaxAttachMB     float64
	MaxBatchMB      float64
	MaxFilesPerPost int
	// DryRun simulates delivery; committing still advances.
	DryRun bool
}

// CycleResult reports the outcome of one per-channel cycle.
type CycleResult struct {
	ChannelID string
	Status    models.CycleStatus
	Window    models.Window
	Exported  int
	Forwarded int
	Oversized int
	Err       error
}

// Orchestrator drives mirror cycles across the configured channels,
// sequentially, one channel at a time.
type Orchestrator struct {
	opts      Options
	repo      store.StateRepo
	exporter  Exporter
	batcher   *batch.Batcher
	forwarder forward.Forwarder
	pruner    *retention.Manager
	channels  []config.ChannelConfig

	// now is the clock, injectable for tests.
	now func() time.Time
}

// New constructs an orchestrator. The forwarder is replaced by a dry-run
// simulator when Options.DryRun is set.
func New(opts Options, repo store.StateRepo, exporter Exporter, forwarder forward.Forwarder, channels []config.ChannelConfig) (*Orchestrator, error) {
	if opts.Overlap == 0 {
		opts.Overlap = DefaultOverlap
	}
	if opts.Overlap < 0 {
		return nil, models.ErrNegativeOverlap
	}
	if opts.CycleDelay <= 0 {
		opts.CycleDelay = DefaultCycleDelay
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}

	batcher, err := batch.New(opts.MaxAttachMB, opts.MaxBatchMB, opts.MaxFilesPerPost)
	if err != nil {
		return nil, err
	}
	pruner, err := retention.NewManager(opts.Retention)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		forwarder = forward.DryRunForwarder{}
	}

	return &Orchestrator{
		opts:      opts,
		repo:      repo,
		exporter:  exporter,
		batcher:   batcher,
		forwarder: forwarder,
		pruner:    pruner,
		channels:  channels,
		now:       time.Now,
	}, nil
}

// Run drives continuous mirroring: a full pass over all channels, then a
// fixed delay, until the context is cancelled. The stop signal is honored
// between cycles and between batches, never mid-commit.
func (o *Orchestrator) Run(ctx context.Context) {
	slog.Info("Orchestrator.Run: starting mirror loop",
		"channels", len(o.channels), "cycleDelay", o.opts.CycleDelay, "dryRun", o.opts.DryRun)

	ticker := time.NewTicker(o.opts.CycleDelay)
	defer ticker.Stop()

	for {
		o.RunOnce(ctx)
		select {
		case <-ctx.Done():
			slog.Info("Orchestrator.Run: stopping")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one pass over all channels and returns the per-channel
// results. With a bounded window size a channel catches up by iterating
// consecutive windows until it reaches the present.
func (o *Orchestrator) RunOnce(ctx context.Context) []CycleResult {
	var results []CycleResult
	for _, ch := range o.channels {
		if ctx.Err() != nil {
			break
		}
		for {
			res := o.runChannelCycle(ctx, ch)
			results = append(results, res)
			if res.Status != models.CycleSuccess || o.opts.WindowSize <= 0 {
				break
			}
			// A window shorter than the configured size was clamped to
			// now: the channel is caught up.
			if res.Window.Duration() < o.opts.WindowSize {
				break
			}
		}
	}
	return results
}

// channelLinks scopes the repo's message-link map to one channel, letting
// the forwarder thread real replies onto previously mirrored posts.
type channelLinks struct {
	repo      store.StateRepo
	channelID string
}

var _ forward.ReplyLinks = channelLinks{}

func (c channelLinks) Lookup(srcID string) (string, bool, error) {
	return c.repo.LookupMessageLink(c.channelID, srcID)
}

func (c channelLinks) Record(srcID, destID string) error {
	return c.repo.RecordMessageLink(c.channelID, srcID, destID)
}

// runChannelCycle executes one cycle for one channel:
// Idle -> Planning -> Exporting -> Filtering -> Batching -> Forwarding ->
// Committing -> Idle, with failures returning to Idle for the next cycle.
func (o *Orchestrator) runChannelCycle(ctx context.Context, ch config.ChannelConfig) CycleResult {
	runID := uuid.New().String()[:8]
	result := CycleResult{ChannelID: ch.ID}
	log := slog.With("run", runID, "channel", ch.Label())

	state, found, err := o.repo.LoadChannelState(ch.ID)
	if err != nil {
		log.Error("Orchestrator.runChannelCycle: state load failed", "error", err)
		result.Status = models.CycleExportFailed
		result.Err = err
		return result
	}
	if !found {
		state.ChannelID = ch.ID
	}

	// Planning
	planner := &window.Planner{
		Overlap:      o.opts.Overlap,
		WindowSize:   o.opts.WindowSize,
		ChannelStart: ch.ChannelStart,
		Now:          o.now,
	}
	w, ok := planner.Plan(state.LastForwarded)
	if !ok {
		log.Debug("Orchestrator.runChannelCycle: nothing to do")
		result.Status = models.CycleNothingToDo
		return result
	}
	result.Window = w
	log.Info("Orchestrator.runChannelCycle: cycle start", "since", w.Since, "until", w.Until)

	// Exporting
	res, err := o.exporter.Export(ctx, ch.ID, w)
	if err != nil {
		log.Error("Orchestrator.runChannelCycle: export failed", "error", err)
		result.Status = models.CycleExportFailed
		result.Err = err
		return result
	}
	result.Exported = len(res.Messages)

	// Filtering
	fresh := dedup.Filter(res.Messages, state.BoundarySet())
	log.Debug("Orchestrator.runChannelCycle: deduped overlap",
		"exported", len(res.Messages), "fresh", len(fresh))

	// Batching
	batches, oversized := o.batcher.Pack(fresh)
	result.Oversized = len(oversized)
	for _, att := range oversized {
		log.Warn("Orchestrator.runChannelCycle: attachment too large, skipped",
			"messageID", att.MessageID, "filename", att.Filename, "sizeBytes", att.SizeBytes)
		if err := o.repo.RecordOversized(ch.ID, att); err != nil {
			log.Error("Orchestrator.runChannelCycle: failed to record oversized attachment", "error", err)
		}
	}

	// Forwarding: strictly in order, stop at the first permanent failure.
	links := channelLinks{repo: o.repo, channelID: ch.ID}
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			log.Info("Orchestrator.runChannelCycle: cancelled between batches", "delivered", i, "batches", len(batches))
			result.Status = models.CycleForwardFailed
			result.Err = err
			return result
		}
		if err := o.forwarder.SendBatch(ctx, ch.Webhook, b, links); err != nil {
			log.Error("Orchestrator.runChannelCycle: forward failed, state untouched",
				"batch", i, "batches", len(batches), "error", err)
			result.Status = models.CycleForwardFailed
			result.Err = err
			return result
		}
		result.Forwarded += len(b.Messages())
	}

	// Committing: the export provably covered [since, until] and every
	// batch is delivered, so the cursor advances to the window end. The
	// boundary set is rebuilt from all exported ids near the new cursor,
	// exactly the messages the next overlapped window will re-fetch.
	state.LastForwarded = w.Until
	state.BoundaryIDs = dedup.BoundaryIDs(res.Messages, w.Until, o.opts.Overlap)
	state.CycleCount++
	state.LastRunAt = o.now()
	if err := o.repo.SaveChannelState(state); err != nil {
		// In-memory progress is discarded; the next cycle recomputes from
		// the last durable state and the dedup filter absorbs the repeat.
		log.Error("Orchestrator.runChannelCycle: state commit failed", "error", err)
		result.Status = models.CycleForwardFailed
		result.Err = err
		return result
	}

	// Retention
	o.pruner.Prune(o.exporter.ArtifactDir(ch.ID))

	log.Info("Orchestrator.runChannelCycle: cycle committed",
		"forwarded", result.Forwarded, "oversized", result.Oversized,
		"cursor", state.LastForwarded, "cycle", state.CycleCount)
	result.Status = models.CycleSuccess
	return result
}
