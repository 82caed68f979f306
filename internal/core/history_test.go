package core

import (
	"testing"
	"time"
)

func TestHistoryAppendLocksAndOrders(t *testing.T) {
	h := NewHistory()

	older := NewBuildStatus("alpha")
	newer := NewBuildStatus("alpha")
	newer.timestamp = older.timestamp.Add(time.Second)

	h.Append(newer)
	h.Append(older)

	if h.Len() != 2 {
		t.Fatalf("len = %d", h.Len())
	}
	if !older.Locked() || !newer.Locked() {
		t.Error("appended statuses must be locked")
	}
	recs := h.Records()
	if recs[0].ID != older.ID() || recs[1].ID != newer.ID() {
		t.Error("history not ordered by timestamp")
	}
	latest, ok := h.Latest()
	if !ok || latest.ID != newer.ID() {
		t.Errorf("latest = %+v", latest)
	}
}

func TestHistoryImportOnlyWhenEmpty(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []BuildRecord{
		{ID: "b2", Project: "alpha", Timestamp: base.Add(time.Hour), Result: ResultSuccess},
		{ID: "b1", Project: "alpha", Timestamp: base, Result: ResultFailed},
	}

	h := NewHistory()
	if !h.Import(records) {
		t.Fatal("import into empty history should succeed")
	}
	recs := h.Records()
	if len(recs) != 2 || recs[0].ID != "b1" {
		t.Fatalf("imported records = %+v", recs)
	}
	if h.Import([]BuildRecord{{ID: "b3", Timestamp: base}}) {
		t.Error("import into non-empty history should be refused")
	}
	if h.Len() != 2 {
		t.Errorf("len = %d after refused import", h.Len())
	}
}
