package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"gorm.io/gorm/clause"
)

func marshalPayload(p TaskPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("storage: marshaling task payload: %w", err)
	}
	return string(data), nil
}

// UnmarshalPayload decodes a Task's opaque Payload back into a TaskPayload.
func UnmarshalPayload(raw string) (TaskPayload, error) {
	var p TaskPayload
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return TaskPayload{}, fmt.Errorf("storage: unmarshaling task payload: %w", err)
	}
	return p, nil
}

// upsertClause builds an ON CONFLICT(<key>) DO UPDATE clause that
// overwrites every column of the conflicting row.
func upsertClause(conflictColumn string) clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: conflictColumn}},
		UpdateAll: true,
	}
}

// atomicReplace renames tmp over dest (the write-then-rename step of an
// atomic file replacement).
func atomicReplace(tmp, dest string) error {
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	return nil
}
