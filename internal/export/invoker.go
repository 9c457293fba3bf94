package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// DefaultTimeout bounds one exporter invocation so a stalled channel cannot
// wedge the whole loop.
const DefaultTimeout = 15 * time.Minute

// Result is one successful export: the parsed messages plus the artifact
// path on disk (kept for the retention manager).
type Result struct {
	Messages     []models.Message
	ArtifactPath string
}

// Invoker runs the external exporter CLI for a window and parses its output.
type Invoker struct {
	// ExporterPath is the exporter binary (DiscordChatExporter-compatible
	// CLI contract: export -c <id> -f Json -o <path> --after --before).
	ExporterPath string
	// Token authenticates the exporter against the source service.
	Token string
	// ExportDir is the artifact root; a per-channel subdirectory is created.
	ExportDir string
	// Timeout bounds one invocation. Zero means DefaultTimeout.
	Timeout time.Duration
}

// ArtifactDir returns the per-channel artifact directory.
func (v *Invoker) ArtifactDir(channelID string) string {
	return filepath.Join(v.ExportDir, channelID)
}

// Export invokes the exporter for one window and returns the parsed result.
// All failure modes are wrapped in ExportError: the cycle is aborted for the
// channel, state stays untouched, and the window is retried next cycle.
func (v *Invoker) Export(ctx context.Context, channelID string, w models.Window) (*Result, error) {
	if channelID == "" {
		return nil, &models.ExportError{ChannelID: channelID, Reason: "empty channel id", Err: models.ErrEmptyChannelID}
	}
	if _, err := os.Stat(v.ExporterPath); err != nil {
		return nil, &models.ExportError{ChannelID: channelID, Reason: "exporter not found at " + v.ExporterPath, Err: err}
	}

	dir := v.ArtifactDir(channelID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &models.ExportError{ChannelID: channelID, Reason: "failed to create export dir", Err: err}
	}
	stamp := time.Now().UTC().Format("2006-01-02_15-04-05")
	outPath := filepath.Join(dir, fmt.Sprintf("%s_%s.json", channelID, stamp))

	args := []string{"export", "-c", channelID, "-f", "Json", "-o", outPath, "--bot", v.Token}
	if !w.Since.IsZero() {
		args = append(args, "--after", w.Since.UTC().Format(time.RFC3339))
	}
	args = append(args, "--before", w.Until.UTC().Format(time.RFC3339))

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Debug("Invoker.Export: running exporter", "channelID", channelID,
		"since", w.Since, "until", w.Until, "artifact", outPath)

	cmd := exec.CommandContext(runCtx, v.ExporterPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		reason := "exporter exited with error"
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			reason = "exporter timed out"
		}
		if tail := lastLines(stderr.String(), 3); tail != "" {
			reason += ": " + tail
		}
		return nil, &models.ExportError{ChannelID: channelID, Reason: reason, Err: err}
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, &models.ExportError{ChannelID: channelID, Reason: "exporter produced no artifact", Err: err}
	}
	if len(data) == 0 {
		// The exporter writes nothing when the window holds no messages.
		slog.Debug("Invoker.Export: empty export", "channelID", channelID)
		return &Result{ArtifactPath: outPath}, nil
	}

	msgs, err := Parse(data)
	if err != nil {
		return nil, &models.ExportError{ChannelID: channelID, Reason: "malformed exporter output", Err: err}
	}
	slog.Info("Invoker.Export: export complete", "channelID", channelID, "messages", len(msgs), "artifact", outPath)
	return &Result{Messages: msgs, ArtifactPath: outPath}, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}
