package sessioninfo

import (
	"encoding/json"
	"fmt"
	"time"
)

// Schema migrations walk each session entry forward one version at a
// time, on the raw JSON shape so fields unknown to older servers are
// preserved. All entries move in a single write; a failed write fails
// Initialize.
type migration struct {
	toVersion int
	apply     func(entry map[string]interface{})
}

var migrations = []migration{
	{
		// 1 → 2: organization fields.
		toVersion: 2,
		apply: func(entry map[string]interface{}) {
			setDefault(entry, "pinned", false)
			setDefault(entry, "archived", false)
			setDefault(entry, "continuation_session_id", "")
			setDefault(entry, "initial_commit_head", "")
		},
	},
	{
		// 2 → 3: permission mode.
		toVersion: 3,
		apply: func(entry map[string]interface{}) {
			setDefault(entry, "permission_mode", PermissionModeDefault)
		},
	},
}

func setDefault(entry map[string]interface{}, key string, value interface{}) {
	if _, ok := entry[key]; !ok {
		entry[key] = value
	}
}

// migrateDocument walks a raw document to the current schema. Returns
// the (possibly rewritten) document bytes and whether anything changed.
func migrateDocument(raw []byte) ([]byte, bool, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("parse document: %w", err)
	}

	meta, _ := doc["metadata"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{
			"schema_version": float64(1),
			"created_at":     time.Now().Format(time.RFC3339Nano),
		}
		doc["metadata"] = meta
	}
	version := schemaVersion(meta)
	if version >= CurrentSchemaVersion {
		return raw, false, nil
	}

	sessions, _ := doc["sessions"].(map[string]interface{})
	if sessions == nil {
		sessions = map[string]interface{}{}
		doc["sessions"] = sessions
	}

	for _, m := range migrations {
		if m.toVersion <= version {
			continue
		}
		for id, v := range sessions {
			entry, ok := v.(map[string]interface{})
			if !ok {
				return nil, false, fmt.Errorf("session %s: entry is not an object", id)
			}
			m.apply(entry)
			entry["version"] = float64(m.toVersion)
		}
		version = m.toVersion
	}

	meta["schema_version"] = float64(CurrentSchemaVersion)
	meta["last_updated"] = time.Now().Format(time.RFC3339Nano)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func schemaVersion(meta map[string]interface{}) int {
	switch v := meta["schema_version"].(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 1
	}
}
