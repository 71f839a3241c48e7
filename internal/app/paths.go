package app

import (
	"os"
	"path/filepath"
)

// Paths holds all resolved paths for the .autolab workspace layout
type Paths struct {
	Home        string // .autolab directory
	Etc         string // .autolab/etc
	Var         string // .autolab/var
	Experiments string // experiments (iteration directories)
	Docs        string // docs

	// Key files
	Policy  string // .autolab/etc/policy.yaml
	State   string // .autolab/var/state.json
	Journal string // .autolab/var/journal.ndjson
	Lock    string // .autolab/var/run.lock
	Health  string // .autolab/var/health.json
	Ledger  string // docs/slurm_job_list.md
}

// ResolvePaths returns all paths based on the AUTOLAB_HOME environment
// variable. Experiments and docs live beside the workspace directory,
// not inside it, since agents edit them as ordinary repository files.
func ResolvePaths() Paths {
	home := os.Getenv("AUTOLAB_HOME")
	if home == "" {
		home = ".autolab"
	}

	p := Paths{
		Home: home,
		Etc:  filepath.Join(home, "etc"),
		Var:  filepath.Join(home, "var"),
	}

	p.Experiments = "experiments"
	p.Docs = "docs"

	p.Policy = filepath.Join(p.Etc, "policy.yaml")
	p.State = filepath.Join(p.Var, "state.json")
	p.Journal = filepath.Join(p.Var, "journal.ndjson")
	p.Lock = filepath.Join(p.Var, "run.lock")
	p.Health = filepath.Join(p.Var, "health.json")
	p.Ledger = filepath.Join(p.Docs, "slurm_job_list.md")

	return p
}

// GetPaths is a convenience function that returns singleton paths
var cachedPaths *Paths

func GetPaths() Paths {
	if cachedPaths == nil {
		paths := ResolvePaths()
		cachedPaths = &paths
	}
	return *cachedPaths
}

// IterationDir resolves the directory holding a given iteration's artifacts
func (p Paths) IterationDir(iterationID string) string {
	return filepath.Join(p.Experiments, iterationID)
}
