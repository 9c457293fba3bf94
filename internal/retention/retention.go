// Package retention prunes old export artifacts, keeping a bounded number
// of the most recent files per channel.
package retention

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// Manager deletes the oldest export artifacts beyond the configured cap.
type Manager struct {
	// Keep is the number of most-recent artifacts retained per channel.
	Keep int
}

// NewManager creates a retention manager. Keep must be at least 1.
func NewManager(keep int) (*Manager, error) {
	if keep < 1 {
		return nil, models.ErrInvalidRetention
	}
	return &Manager{Keep: keep}, nil
}

// Prune lists the channel's JSON artifacts by modification time and removes
// the oldest until Keep remain. Deletion failures are logged, not fatal.
// Returns the number of artifacts removed.
func (m *Manager) Prune(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("Manager.Prune: failed to list artifact dir", "dir", dir, "error", err)
		return 0
	}

	type artifact struct {
		path    string
		modTime int64
	}
	var artifacts []artifact
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, artifact{
			path:    filepath.Join(dir, e.Name()),
			modTime: info.ModTime().UnixNano(),
		})
	}
	if len(artifacts) <= m.Keep {
		return 0
	}

	// Oldest first; everything before the retained tail is evicted.
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].modTime < artifacts[j].modTime })

	removed := 0
	for _, a := range artifacts[:len(artifacts)-m.Keep] {
		if err := os.Remove(a.path); err != nil {
			slog.Warn("Manager.Prune: failed to delete artifact", "path", a.path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Debug("Manager.Prune: pruned artifacts", "dir", dir, "removed", removed, "kept", m.Keep)
	}
	return removed
}
