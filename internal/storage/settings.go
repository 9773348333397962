package storage

import "encoding/binary"

// SchemaVersion returns the schema version recorded in general_settings,
// or 0 if the database has never been migrated.
func (v *ReadView) SchemaVersion() int {
	val, ok := get(v.tx, bucketSettings, []byte(settingsSchemaVersionKey))
	if !ok || len(val) < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(val))
}

func setSchemaVersion(w *WriteTxn, version int) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(version))
	return put(w.tx, bucketSettings, []byte(settingsSchemaVersionKey), buf)
}

// GetSetting reads an arbitrary string-valued general setting.
func (v *ReadView) GetSetting(key string) (string, bool) {
	val, ok := get(v.tx, bucketSettings, []byte(key))
	if !ok {
		return "", false
	}
	return string(val), true
}

// PutSetting writes an arbitrary string-valued general setting.
func (w *WriteTxn) PutSetting(key, value string) error {
	return put(w.tx, bucketSettings, []byte(key), []byte(value))
}
