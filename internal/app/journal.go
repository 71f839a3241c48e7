package app

import (
	"encoding/json"
	"os"
	"time"
)

// JournalEntry is one normalized row of the transition journal. Every
// accepted workflow transition appends exactly one entry.
type JournalEntry struct {
	Ts        string      `json:"ts"`
	Iteration string      `json:"iteration"`
	Stage     string      `json:"stage"`
	Outcome   string      `json:"outcome"`
	Reason    string      `json:"reason"`
	Attempt   int         `json:"attempt"`
	ElapsedMs int         `json:"elapsed_ms"`
	Artifacts interface{} `json:"artifacts"`
}

// NormalizeJournalEntry ensures all required fields are present in the
// journal entry, filling missing ones with zero values so every row
// carries the same schema.
func NormalizeJournalEntry(entry map[string]interface{}) map[string]interface{} {
	normalized := make(map[string]interface{})

	if ts, ok := entry["ts"].(string); ok && ts != "" {
		normalized["ts"] = ts
	} else {
		normalized["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	for _, key := range []string{"iteration", "stage", "outcome", "reason"} {
		if v, ok := entry[key].(string); ok {
			normalized[key] = v
		} else {
			normalized[key] = ""
		}
	}

	for _, key := range []string{"attempt", "elapsed_ms"} {
		if v, ok := entry[key].(int); ok {
			normalized[key] = v
		} else if v, ok := entry[key].(float64); ok {
			normalized[key] = int(v)
		} else {
			normalized[key] = 0
		}
	}

	if artifacts, ok := entry["artifacts"]; ok {
		switch v := artifacts.(type) {
		case []interface{}:
			normalized["artifacts"] = v
		case []string:
			arr := make([]interface{}, len(v))
			for i, s := range v {
				arr[i] = s
			}
			normalized["artifacts"] = arr
		case string:
			if v != "" {
				normalized["artifacts"] = []interface{}{v}
			} else {
				normalized["artifacts"] = []interface{}{}
			}
		default:
			normalized["artifacts"] = []interface{}{}
		}
	} else {
		normalized["artifacts"] = []interface{}{}
	}

	return normalized
}

// AppendNormalizedJournal appends a normalized entry to the journal file
func AppendNormalizedJournal(path string, entry map[string]interface{}) error {
	normalized := NormalizeJournalEntry(entry)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := json.Marshal(normalized)
	if err != nil {
		return err
	}

	_, err = f.Write(append(b, '\n'))
	return err
}
