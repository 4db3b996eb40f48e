package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mushpi/mushpi/internal/control"
	"github.com/mushpi/mushpi/internal/sensors"
	"github.com/mushpi/mushpi/internal/stage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mushpi.db")
	db, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mushpi.db")
	db, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db.Close()

	db2, err := Open(path, 30)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close()
}

func TestRecordAndRetrieveStage(t *testing.T) {
	db := openTestDB(t)

	_, ok, err := db.GetStage()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no stage row on a fresh database")
	}

	info := stage.Info{Mode: stage.ModeFull, Species: stage.SpeciesOyster, Stage: stage.StageFruiting, StageStart: time.Now().UTC()}
	if err := db.PutStage(info); err != nil {
		t.Fatalf("PutStage failed: %v", err)
	}

	got, ok, err := db.GetStage()
	if err != nil || !ok {
		t.Fatalf("GetStage failed: ok=%v err=%v", ok, err)
	}
	if got.Species != info.Species || got.Stage != info.Stage {
		t.Errorf("expected round-tripped stage, got %+v", got)
	}
}

func TestAppendAndCountCompliance(t *testing.T) {
	db := openTestDB(t)
	stageID := time.Now().UnixNano()

	for i, ok := range []bool{true, true, false} {
		rec := stage.ComplianceRecord{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			StageID:   stageID,
			TempOK:    ok, RHOK: ok, CO2OK: ok,
		}
		if err := db.AppendCompliance(rec); err != nil {
			t.Fatalf("AppendCompliance failed: %v", err)
		}
	}

	total, compliant, err := db.CountCompliance(stageID)
	if err != nil {
		t.Fatalf("CountCompliance failed: %v", err)
	}
	if total != 3 || compliant != 2 {
		t.Errorf("expected total=3 compliant=2, got total=%d compliant=%d", total, compliant)
	}

	otherTotal, _, err := db.CountCompliance(stageID + 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if otherTotal != 0 {
		t.Errorf("expected a different stageID prefix to match nothing, got %d", otherTotal)
	}
}

func TestRecordReadingAndActionsAndAlert(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	if err := db.RecordReading(sensors.Reading{Timestamp: now, TemperatureC: 20}); err != nil {
		t.Fatalf("RecordReading failed: %v", err)
	}
	if err := db.RecordActions(now, []control.ActuatorCommand{{Relay: 0, Target: true, Reason: control.ReasonTempHighFanOn}}); err != nil {
		t.Fatalf("RecordActions failed: %v", err)
	}
	if err := db.RecordActions(now, nil); err != nil {
		t.Fatalf("RecordActions with no commands should be a no-op, got: %v", err)
	}
	if err := db.RecordAlert(control.Alert{Timestamp: now, Kind: control.AlertLightVerificationFailed}); err != nil {
		t.Fatalf("RecordAlert failed: %v", err)
	}
}

func TestPruneAllDeletesOnlyStaleEntries(t *testing.T) {
	db := openTestDB(t)
	old := time.Now().AddDate(0, 0, -60)
	fresh := time.Now()

	db.RecordReading(sensors.Reading{Timestamp: old})
	db.RecordReading(sensors.Reading{Timestamp: fresh})

	deleted, err := db.PruneAll()
	if err != nil {
		t.Fatalf("PruneAll failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected exactly 1 stale reading pruned, got %d", deleted)
	}
}
