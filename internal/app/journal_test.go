package app

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeJournalEntry_FillsDefaults(t *testing.T) {
	out := NormalizeJournalEntry(map[string]interface{}{})

	if out["ts"] == "" {
		t.Fatalf("ts should be filled with timestamp")
	}
	for _, key := range []string{"iteration", "stage", "outcome", "reason"} {
		if v, ok := out[key].(string); !ok || v != "" {
			t.Errorf("%s should default to empty string, got %v", key, out[key])
		}
	}
	for _, key := range []string{"attempt", "elapsed_ms"} {
		if v, ok := out[key].(int); !ok || v != 0 {
			t.Errorf("%s should default to 0, got %v", key, out[key])
		}
	}
	arr, ok := out["artifacts"].([]interface{})
	if !ok {
		t.Fatalf("artifacts must be an array, got %T", out["artifacts"])
	}
	if len(arr) != 0 {
		t.Errorf("artifacts should be empty, got %v", arr)
	}
}

func TestNormalizeJournalEntry_PreservesExistingValues(t *testing.T) {
	out := NormalizeJournalEntry(map[string]interface{}{
		"ts":         "2025-01-01T00:00:00Z",
		"iteration":  "exp-001",
		"stage":      "implementation",
		"outcome":    "advance",
		"reason":     "checks passed",
		"attempt":    2,
		"elapsed_ms": 1500,
		"artifacts":  []string{"design.yaml"},
	})

	if out["ts"] != "2025-01-01T00:00:00Z" {
		t.Error("ts should be preserved")
	}
	if out["iteration"] != "exp-001" {
		t.Error("iteration should be preserved")
	}
	if out["stage"] != "implementation" {
		t.Error("stage should be preserved")
	}
	if out["attempt"] != 2 {
		t.Errorf("attempt should be preserved, got %v", out["attempt"])
	}
	arr := out["artifacts"].([]interface{})
	if len(arr) != 1 || arr[0] != "design.yaml" {
		t.Errorf("artifacts should be preserved, got %v", arr)
	}
}

func TestNormalizeJournalEntry_CoercesArtifacts(t *testing.T) {
	out := NormalizeJournalEntry(map[string]interface{}{"artifacts": "single.md"})
	arr := out["artifacts"].([]interface{})
	if len(arr) != 1 || arr[0] != "single.md" {
		t.Errorf("string artifact should become single-element array, got %v", arr)
	}

	out = NormalizeJournalEntry(map[string]interface{}{"artifacts": 42})
	arr = out["artifacts"].([]interface{})
	if len(arr) != 0 {
		t.Errorf("unrecognized artifact type should become empty array, got %v", arr)
	}
}

func TestAppendNormalizedJournal_AppendsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")

	for _, stageName := range []string{"hypothesis", "design"} {
		err := AppendNormalizedJournal(path, map[string]interface{}{
			"iteration": "exp-001",
			"stage":     stageName,
			"outcome":   "advance",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var stages []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			t.Fatalf("row is not valid JSON: %v", err)
		}
		if row["ts"] == "" {
			t.Error("row missing ts")
		}
		stages = append(stages, row["stage"].(string))
	}
	if len(stages) != 2 || stages[0] != "hypothesis" || stages[1] != "design" {
		t.Errorf("unexpected rows: %v", stages)
	}
}
