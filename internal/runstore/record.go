package runstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vantle/stepflow/pkg/schema"
)

// Persist writes the run record atomically: marshal to YAML, write to
// run.yaml.tmp, fsync, rename over run.yaml. A crash mid-persist leaves
// either the previous record or a recoverable temp file, never a torn write.
// Returns the content digest of the bytes written, which the run index keeps
// to detect hand edits on the next load.
func (d *RunDir) Persist(rec *schema.RunRecord) (string, error) {
	if rec == nil {
		return "", schema.NewError(schema.ErrCodePersistence, "run record is nil")
	}

	data, err := yaml.Marshal(rec)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePersistence,
			"marshal run record for %s: %v", d.id, err).WithCause(err)
	}

	recordPath := d.RecordPath()
	tmpPath := recordPath + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePersistence,
			"write %s: %v", tmpPath, err).WithCause(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", schema.NewErrorf(schema.ErrCodePersistence,
			"write %s: %v", tmpPath, err).WithCause(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", schema.NewErrorf(schema.ErrCodePersistence,
			"sync %s: %v", tmpPath, err).WithCause(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", schema.NewErrorf(schema.ErrCodePersistence,
			"close %s: %v", tmpPath, err).WithCause(err)
	}

	if err := os.Rename(tmpPath, recordPath); err != nil {
		os.Remove(tmpPath)
		return "", schema.NewErrorf(schema.ErrCodePersistence,
			"replace %s: %v", recordPath, err).WithCause(err)
	}

	return digestBytes(data), nil
}

// Load reads, migrates, and validates the persisted run record. Orphaned temp
// files from interrupted persists are recovered first. Returns the record
// together with the content digest of the bytes on disk; a digest that does
// not match the one recorded at the last persist means the record was edited
// by hand.
func (d *RunDir) Load() (*schema.RunRecord, string, error) {
	if err := d.recoverTemp(); err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(d.RecordPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", schema.NewErrorf(schema.ErrCodeNotFound,
				"run %q has no persisted record", d.id)
		}
		return nil, "", schema.NewErrorf(schema.ErrCodePersistence,
			"read %s: %v", d.RecordPath(), err).WithCause(err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, "", schema.NewErrorf(schema.ErrCodePersistence,
			"parse run record for %q: %v", d.id, err).WithCause(err)
	}

	migrateRecord(rec)

	if err := d.validator.ValidateRecord(rec); err != nil {
		return nil, "", err
	}

	return rec, digestBytes(data), nil
}

// decodeRecord strictly decodes a run record document. Unknown fields are
// errors so that a typo in a hand edit does not silently vanish.
func decodeRecord(data []byte) (*schema.RunRecord, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var rec schema.RunRecord
	if err := dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("record is empty")
		}
		return nil, err
	}
	return &rec, nil
}

// migrateRecord brings older documents forward to the current schema version.
// Version 1 is the initial schema; documents that predate the version field
// are stamped as version 1. Newer-than-supported versions are rejected later
// by record validation.
func migrateRecord(rec *schema.RunRecord) {
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = 1
	}
}

// recoverTemp handles a run.yaml.tmp left behind by an interrupted persist.
// The temp is promoted when it is the newer state and parses cleanly;
// otherwise it is removed and the last good record stands.
func (d *RunDir) recoverTemp() error {
	recordPath := d.RecordPath()
	tmpPath := recordPath + tmpSuffix

	tmpInfo, err := os.Stat(tmpPath)
	if err != nil {
		return nil // no temp, nothing to recover
	}

	tmpData, err := os.ReadFile(tmpPath)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence,
			"read orphaned temp %s: %v", tmpPath, err).WithCause(err)
	}
	_, parseErr := decodeRecord(tmpData)

	mainInfo, mainErr := os.Stat(recordPath)

	promote := false
	switch {
	case parseErr != nil:
		// Torn write; discard.
	case mainErr != nil:
		// No main record at all; the temp is all we have.
		promote = true
	case tmpInfo.ModTime().After(mainInfo.ModTime()):
		// Crash landed between temp write and rename; the temp is the
		// newer checkpoint.
		promote = true
	}

	if promote {
		if err := os.Rename(tmpPath, recordPath); err != nil {
			return schema.NewErrorf(schema.ErrCodePersistence,
				"promote recovered temp %s: %v", tmpPath, err).WithCause(err)
		}
		return nil
	}

	if err := os.Remove(tmpPath); err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence,
			"remove stale temp %s: %v", tmpPath, err).WithCause(err)
	}
	return nil
}

// digestBytes returns the hex sha256 of the record bytes. Digests recorded at
// persist time and compared at load time are how manual edits are detected.
func digestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
