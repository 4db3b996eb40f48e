// Package storage — bolt.go
//
// BoltDB-backed persistent storage for MushPi.
//
// Schema (BoltDB bucket layout):
//
//	/readings
//	    key:   RFC3339Nano timestamp + "_" + seq  [sortable]
//	    value: JSON-encoded sensors.Reading
//
//	/actions
//	    key:   RFC3339Nano timestamp + "_" + seq
//	    value: JSON-encoded []control.ActuatorCommand
//
//	/alerts
//	    key:   RFC3339Nano timestamp + "_" + seq
//	    value: JSON-encoded control.Alert
//
//	/compliance
//	    key:   zero-padded stage_id + "_" + RFC3339Nano timestamp
//	    value: JSON-encoded stage.ComplianceRecord
//
//	/stage
//	    key:   "current"
//	    value: JSON-encoded stage.Info
//
//	/meta
//	    key:   "schema_version"
//	    value: decimal schema version
//
// Consistency model mirrors the teacher's: single-process single-writer,
// ACID write transactions, read-only view transactions, CRC integrity
// check on open via bbolt itself.
//
// Retention: readings/actions/alerts older than retentionDays are pruned
// at boot and every 6 hours by the caller's retention loop (see
// PruneAll). Compliance records and the stage row are never pruned.
package storage

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mushpi/mushpi/internal/control"
	"github.com/mushpi/mushpi/internal/sensors"
	"github.com/mushpi/mushpi/internal/stage"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/mushpi/mushpi.db"

	// DefaultRetentionDays is the default retention period for
	// time-series buckets.
	DefaultRetentionDays = 30

	bucketReadings   = "readings"
	bucketActions    = "actions"
	bucketAlerts     = "alerts"
	bucketCompliance = "compliance"
	bucketStage      = "stage"
	bucketMeta       = "meta"

	schemaVersionKey = "schema_version"
	currentStageKey  = "current"
)

// migration is a single forward-only schema step, applied once at boot
// in version order.
type migration struct {
	version int
	apply   func(tx *bolt.Tx) error
}

var migrations = []migration{
	{1, migrateV1CreateBuckets},
	{2, migrateV2AddControlMode},
}

func migrateV1CreateBuckets(tx *bolt.Tx) error {
	for _, name := range []string{bucketReadings, bucketActions, bucketAlerts, bucketCompliance, bucketStage, bucketMeta} {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
		}
	}
	return nil
}

// migrateV2AddControlMode back-fills control_mode onto a pre-existing
// current_stage row written before that field existed. A no-op on a
// fresh database, since migration 1 only just created the bucket.
func migrateV2AddControlMode(tx *bolt.Tx) error {
	b := tx.Bucket([]byte(bucketStage))
	data := b.Get([]byte(currentStageKey))
	if data == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("migrateV2AddControlMode: unmarshal: %w", err)
	}
	if _, ok := raw["ControlMode"]; ok {
		return nil
	}
	raw["ControlMode"] = json.RawMessage("0")
	out, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("migrateV2AddControlMode: marshal: %w", err)
	}
	return b.Put([]byte(currentStageKey), out)
}

// DB wraps a BoltDB instance with typed accessors for MushPi data.
type DB struct {
	db            *bolt.DB
	retentionDays int
	seq           atomic.Uint64
}

// Open opens (or creates) the BoltDB database at path and applies any
// pending migrations. Returns an error if the database is corrupt or a
// migration fails; the caller is expected to treat that as fatal.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}
	if err := d.migrate(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return fmt.Errorf("CreateBucketIfNotExists(meta): %w", err)
		}
		current := 0
		if v := meta.Get([]byte(schemaVersionKey)); v != nil {
			fmt.Sscanf(string(v), "%d", &current)
		}
		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
			current = m.version
			if err := meta.Put([]byte(schemaVersionKey), []byte(fmt.Sprintf("%d", current))); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// timeKey constructs a sortable key from a timestamp and this DB's
// monotonic sequence counter, guaranteeing uniqueness for entries written
// within the same nanosecond.
func (d *DB) timeKey(t time.Time) []byte {
	seq := d.seq.Add(1)
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format(time.RFC3339Nano), seq))
}

// ─── Readings ───────────────────────────────────────────────────────────

// RecordReading persists one sensor Reading.
func (d *DB) RecordReading(r sensors.Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("RecordReading marshal: %w", err)
	}
	key := d.timeKey(r.Timestamp)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReadings)).Put(key, data)
	})
}

// ─── Actions ────────────────────────────────────────────────────────────

// RecordActions persists the set of ActuatorCommands issued for one tick.
func (d *DB) RecordActions(now time.Time, cmds []control.ActuatorCommand) error {
	if len(cmds) == 0 {
		return nil
	}
	data, err := json.Marshal(cmds)
	if err != nil {
		return fmt.Errorf("RecordActions marshal: %w", err)
	}
	key := d.timeKey(now)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketActions)).Put(key, data)
	})
}

// ─── Alerts ─────────────────────────────────────────────────────────────

// RecordAlert persists an Alert.
func (d *DB) RecordAlert(a control.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("RecordAlert marshal: %w", err)
	}
	key := d.timeKey(a.Timestamp)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAlerts)).Put(key, data)
	})
}

// GetAlerts returns every persisted Alert in chronological order.
func (d *DB) GetAlerts() ([]control.Alert, error) {
	var alerts []control.Alert
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAlerts)).ForEach(func(_, v []byte) error {
			var a control.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("GetAlerts unmarshal: %w", err)
			}
			alerts = append(alerts, a)
			return nil
		})
	})
	return alerts, err
}

// UnresolvedAlerts returns the subset of GetAlerts whose Resolved flag is
// still false, so a restart can rehydrate outstanding alerts instead of
// silently losing them.
func (d *DB) UnresolvedAlerts() ([]control.Alert, error) {
	all, err := d.GetAlerts()
	if err != nil {
		return nil, err
	}
	var unresolved []control.Alert
	for _, a := range all {
		if !a.Resolved {
			unresolved = append(unresolved, a)
		}
	}
	return unresolved, nil
}

// ─── Compliance (implements stage.ComplianceStore) ─────────────────────

func complianceKey(stageID int64, t time.Time) []byte {
	return []byte(fmt.Sprintf("%020d_%s", stageID, t.UTC().Format(time.RFC3339Nano)))
}

// AppendCompliance persists a ComplianceRecord, keyed so records for one
// stage sort contiguously and chronologically.
func (d *DB) AppendCompliance(rec stage.ComplianceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendCompliance marshal: %w", err)
	}
	key := complianceKey(rec.StageID, rec.Timestamp)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCompliance)).Put(key, data)
	})
}

// CountCompliance scans the compliance bucket's stageID prefix, returning
// the total record count and the count where AllOK() was true.
func (d *DB) CountCompliance(stageID int64) (total, compliant int, err error) {
	prefix := []byte(fmt.Sprintf("%020d_", stageID))
	err = d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketCompliance)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec stage.ComplianceRecord
			if uerr := json.Unmarshal(v, &rec); uerr != nil {
				return fmt.Errorf("CountCompliance unmarshal: %w", uerr)
			}
			total++
			if rec.AllOK() {
				compliant++
			}
		}
		return nil
	})
	return total, compliant, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ─── Stage ──────────────────────────────────────────────────────────────

// PutStage persists the current stage.Info singleton.
func (d *DB) PutStage(info stage.Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("PutStage marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketStage)).Put([]byte(currentStageKey), data)
	})
}

// GetStage reads the persisted stage.Info singleton. Returns ok=false if
// none has ever been written (fresh database).
func (d *DB) GetStage() (info stage.Info, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketStage)).Get([]byte(currentStageKey))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &info)
	})
	return info, ok, err
}

// ─── Retention ──────────────────────────────────────────────────────────

// PruneAll deletes readings, actions, and alerts older than this DB's
// configured retention window. Returns the total number of entries
// deleted across all three buckets.
func (d *DB) PruneAll() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays).Format(time.RFC3339Nano)
	var deleted int
	for _, bucket := range []string{bucketReadings, bucketActions, bucketAlerts} {
		n, err := d.pruneBucket(bucket, cutoff)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (d *DB) pruneBucket(bucket, cutoffRFC3339Nano string) (int, error) {
	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= cutoffRFC3339Nano {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("pruneBucket(%s) delete: %w", bucket, err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
