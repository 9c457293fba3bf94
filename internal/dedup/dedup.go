// Package dedup suppresses re-delivery of messages re-fetched through the
// window overlap margin.
//
// The boundary set is intentionally small: only ids within one overlap
// margin of the cursor, never full history.
package dedup

import (
	"time"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// Filter returns the sub-sequence of msgs whose id is not in the boundary
// set, preserving input order.
func Filter(msgs []models.Message, boundary map[string]struct{}) []models.Message {
	if len(boundary) == 0 {
		return msgs
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, seen := boundary[m.ID]; seen {
			continue
		}
		out = append(out, m)
	}
	return out
}

// BoundaryIDs computes the refreshed boundary set after a successful cycle:
// the ids of delivered messages whose timestamp falls within overlap of the
// new cursor. Exactly these messages will be re-fetched next cycle.
func BoundaryIDs(delivered []models.Message, cursor time.Time, overlap time.Duration) []string {
	if overlap < 0 {
		overlap = 0
	}
	edge := cursor.Add(-overlap)
	var ids []string
	for _, m := range delivered {
		if !m.Timestamp.Before(edge) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
