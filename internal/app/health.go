package app

import (
	"time"

	"github.com/spf13/afero"

	infrafile "github.com/YoshitsuguKoike/autolab/internal/infra/persistence/file"
)

// Health represents the last observed condition of the workflow loop
type Health struct {
	TS        string `json:"ts"`
	Iteration string `json:"iteration"`
	Stage     string `json:"stage"`
	Step      int    `json:"step"`
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
}

// WriteHealth writes the loop health snapshot to a JSON file
func WriteHealth(fs afero.Fs, path, iteration, stage string, step int, ok bool, errMsg string) error {
	h := Health{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Iteration: iteration,
		Stage:     stage,
		Step:      step,
		OK:        ok,
		Error:     errMsg,
	}
	return infrafile.WriteJSONAtomic(fs, path, h)
}
