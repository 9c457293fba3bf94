package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, ts time.Time) models.Message {
	return models.Message{ID: id, Timestamp: ts}
}

func TestFilterDropsBoundaryIDs(t *testing.T) {
	msgs := []models.Message{
		msg("1", t0), msg("2", t0.Add(time.Second)), msg("3", t0.Add(2*time.Second)),
	}
	boundary := map[string]struct{}{"1": {}, "3": {}}
	got := Filter(msgs, boundary)
	if len(got) != 1 || got[0].ID != "2" {
		t.Errorf("unexpected filter output: %+v", got)
	}
}

func TestFilterKeepsOrderAndCountsNewOnly(t *testing.T) {
	// Boundary set B fully re-fetched plus k new messages: output is exactly k.
	const b, k = 5, 7
	var msgs []models.Message
	boundary := make(map[string]struct{})
	for i := 0; i < b; i++ {
		id := fmt.Sprintf("old-%d", i)
		boundary[id] = struct{}{}
		msgs = append(msgs, msg(id, t0.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i < k; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("new-%d", i), t0.Add(time.Duration(b+i)*time.Second)))
	}

	got := Filter(msgs, boundary)
	if len(got) != k {
		t.Fatalf("expected %d new messages, got %d", k, len(got))
	}
	for i, m := range got {
		if m.ID != fmt.Sprintf("new-%d", i) {
			t.Errorf("order not preserved at %d: %s", i, m.ID)
		}
	}
}

func TestFilterEmptyBoundaryReturnsInput(t *testing.T) {
	msgs := []models.Message{msg("1", t0)}
	got := Filter(msgs, nil)
	if len(got) != 1 {
		t.Errorf("empty boundary should pass everything through, got %d", len(got))
	}
}

func TestBoundaryIDsWithinOverlap(t *testing.T) {
	delivered := []models.Message{
		msg("early", t0.Add(-2 * time.Minute)),
		msg("edge", t0.Add(-time.Minute)),
		msg("late", t0.Add(-time.Second)),
		msg("last", t0),
	}
	ids := BoundaryIDs(delivered, t0, time.Minute)
	if len(ids) != 3 {
		t.Fatalf("expected 3 boundary ids, got %d: %v", len(ids), ids)
	}
	for _, id := range ids {
		if id == "early" {
			t.Error("message outside overlap must not enter boundary set")
		}
	}
}

func TestBoundaryIDsZeroOverlap(t *testing.T) {
	delivered := []models.Message{msg("a", t0.Add(-time.Second)), msg("b", t0)}
	ids := BoundaryIDs(delivered, t0, 0)
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("zero overlap should keep only the cursor message, got %v", ids)
	}
	if got := BoundaryIDs(delivered, t0, -time.Minute); len(got) != 1 {
		t.Errorf("negative overlap should behave like zero, got %v", got)
	}
}
