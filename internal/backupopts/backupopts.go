// Package backupopts replaces the client driver's process-global
// basedir/tardir/verbose/totalsize/totaldone/tablespacecount state
// (spec.md §9) with explicit values threaded through the call graph.
package backupopts

import (
	"fmt"

	"github.com/pgreplica/basestream/internal/backuperr"
)

// BackupOptions configures one base-backup receive.
type BackupOptions struct {
	// Exactly one of BaseDir or TarDir is set.
	BaseDir string
	TarDir  string

	Label       string
	Progress    bool
	Compress    int // 0 = off, 1..9 = gzip level; only valid with TarDir.
	Verbose     bool
	ConnInfo    string
	LeadingSlashRewrite bool // see spec.md §9 open question on the hack.
}

// Stdout reports whether TarDir designates standard output ("-").
func (o BackupOptions) Stdout() bool { return o.TarDir == "-" }

// Validate enforces the mutually-exclusive and mode-dependent
// constraints from spec.md §7(e).
func (o BackupOptions) Validate(batchCount int) error {
	if o.BaseDir != "" && o.TarDir != "" {
		return backuperr.New(backuperr.Semantic, "backupopts.Validate", fmt.Errorf("--basedir and --tardir are mutually exclusive"))
	}
	if o.BaseDir == "" && o.TarDir == "" {
		return backuperr.New(backuperr.Semantic, "backupopts.Validate", fmt.Errorf("one of --basedir or --tardir is required"))
	}
	if o.Compress != 0 && o.BaseDir != "" {
		return backuperr.New(backuperr.Semantic, "backupopts.Validate", fmt.Errorf("--compress requires --tardir"))
	}
	if o.Stdout() && batchCount > 1 {
		return backuperr.New(backuperr.Semantic, "backupopts.Validate", fmt.Errorf("--tardir - (stdout) only supports a single storage location"))
	}
	if o.Stdout() && o.Compress != 0 {
		return backuperr.New(backuperr.Semantic, "backupopts.Validate", fmt.Errorf("--tardir - (stdout) does not support --compress"))
	}
	return nil
}

// WalReceiveOptions configures one WAL streaming receive.
type WalReceiveOptions struct {
	Dir      string
	ConnInfo string
	Verbose  bool
}

// ProgressTracker accumulates the counters the CLI reports when
// --progress is set: total expected bytes (known only after a size-mode
// pre-walk), bytes done so far, and the number of tablespaces seen.
type ProgressTracker struct {
	TotalSize       int64
	Done            int64
	TablespaceCount int
}

// AddDone advances the done counter by n bytes.
func (p *ProgressTracker) AddDone(n int64) { p.Done += n }

// Percent returns the completion percentage, or 0 if the total is unknown.
func (p *ProgressTracker) Percent() float64 {
	if p.TotalSize <= 0 {
		return 0
	}
	return 100 * float64(p.Done) / float64(p.TotalSize)
}
