package db

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// migrate brings the on-disk layout up to the current schema version. A
// fresh database is stamped directly. Version 0 databases keep their
// snapshot records readable (stateFromSnapshot) while new writes target the
// split layout; the version pointer moves forward immediately so partially
// migrated stores are never ambiguous.
func (d *DB) migrate() error {
	val, err := d.get(keySchemaVersion)
	switch {
	case errors.Is(err, ErrNotFound):
		return d.stampVersion()
	case err != nil:
		return err
	}
	if len(val) != 8 {
		return fmt.Errorf("%w: schema version length %d", ErrCorrupted, len(val))
	}
	current := binary.LittleEndian.Uint64(val)
	switch {
	case current == schemaVersion:
		return nil
	case current > schemaVersion:
		return fmt.Errorf("database schema %d is newer than this binary supports (%d)", current, schemaVersion)
	}

	d.logger.Info("migrating database schema", "from", current, "to", schemaVersion)
	// v0 -> v1: nothing is rewritten eagerly. Snapshot states are read
	// through on demand; the split layout applies to new writes only.
	return d.stampVersion()
}

func (d *DB) stampVersion() error {
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], schemaVersion)
	return d.setSync(keySchemaVersion, v[:])
}
