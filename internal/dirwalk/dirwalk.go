// Package dirwalk implements the Directory Walker (C2): it enumerates
// the primary data directory (and, called again per storage location,
// each tablespace tree), classifying entries, skipping reserved paths,
// and following only the symbolic links that live directly under the
// conventional pg_tblspc directory.
package dirwalk

import (
	"os"
	"syscall"

	"github.com/pgreplica/basestream/internal/backuperr"
	"github.com/pgreplica/basestream/internal/logutil"
	"github.com/pgreplica/basestream/internal/tarformat"
	"github.com/pgreplica/basestream/internal/tarwriter"
)

// Purpose selects whether Walk only totals regular-file bytes, or also
// emits tar members through a Writer.
type Purpose int

const (
	PurposeSize Purpose = iota
	PurposeEmit
)

// reservedTblspcDir is the name of the directory whose immediate
// children may be symlinks the walker follows (as tar symlink members,
// never traversed into from here).
const reservedTblspcDir = "./pg_tblspc"

// Walker walks one filesystem tree: the primary data directory (Root
// passed as the directory itself, walked with a "." relative prefix) or
// one resolved tablespace directory.
type Walker struct {
	Root   string
	Logger *logutil.Logger
}

// New constructs a Walker rooted at root.
func New(root string, logger *logutil.Logger) *Walker {
	return &Walker{Root: root, Logger: logger}
}

// Walk enumerates the tree under w.Root. In PurposeEmit mode, writer
// must be non-nil and receives one tar member per visited entry plus,
// for regular files, their contents. It returns the total bytes
// contributed by regular files (used for the --progress size report).
func (w *Walker) Walk(purpose Purpose, writer *tarwriter.Writer) (int64, error) {
	return w.walkDir(w.Root, ".", purpose, writer)
}

func (w *Walker) walkDir(absDir, relDir string, purpose Purpose, writer *tarwriter.Writer) (int64, error) {
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return 0, backuperr.New(backuperr.Filesystem, "dirwalk.Walk: readdir "+absDir, err)
	}

	var total int64
	for _, de := range entries {
		name := de.Name()
		if name == "." || name == ".." {
			continue
		}

		// path.Join would clean away the leading "./" on every entry
		// below the first level; build the path by hand so every
		// member name carries the "./..." prefix real tar output uses.
		relPath := relDir + "/" + name
		if relDir == "." {
			relPath = "./" + name
		}

		if relDir == "." && (relPath == "./pg_xlog" || relPath == "./postmaster.pid") {
			continue
		}

		absPath := absDir + "/" + name
		fi, err := os.Lstat(absPath)
		if err != nil {
			if os.IsNotExist(err) {
				// Concurrent unlink: benign, per spec.md §4.2.
				continue
			}
			w.Logger.Warnf("dirwalk: could not stat %q: %v", absPath, err)
			continue
		}

		mode := fi.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			if relDir != reservedTblspcDir {
				w.Logger.Warnf("dirwalk: skipping symlink %q outside pg_tblspc", absPath)
				continue
			}
			target, err := os.Readlink(absPath)
			if err != nil {
				w.Logger.Warnf("dirwalk: unable to read symbolic link %q: %v", absPath, err)
				continue
			}
			if purpose == PurposeEmit {
				m := memberFor(relPath, tarformat.Symlink, fi)
				m.LinkTarget = target
				if err := writer.WriteMember(m, nil); err != nil {
					return total, err
				}
			}

		case mode.IsDir():
			if purpose == PurposeEmit {
				m := memberFor(relPath, tarformat.Directory, fi)
				if err := writer.WriteMember(m, nil); err != nil {
					return total, err
				}
			}
			sub, err := w.walkDir(absPath, relPath, purpose, writer)
			if err != nil {
				return total, err
			}
			total += sub

		case mode.IsRegular():
			total += fi.Size()
			if purpose == PurposeEmit {
				if err := w.emitRegular(absPath, relPath, fi, writer); err != nil {
					return total, err
				}
			}

		default:
			w.Logger.Warnf("dirwalk: skipping special file %q", absPath)
		}
	}
	return total, nil
}

func (w *Walker) emitRegular(absPath, relPath string, fi os.FileInfo, writer *tarwriter.Writer) error {
	f, err := os.Open(absPath)
	if err != nil {
		return backuperr.New(backuperr.Filesystem, "dirwalk: open "+absPath, err)
	}
	defer f.Close()

	m := memberFor(relPath, tarformat.Regular, fi)
	return writer.WriteMember(m, f)
}

func memberFor(relPath string, kind tarformat.Kind, fi os.FileInfo) tarformat.Member {
	m := tarformat.Member{
		Name:  relPath,
		Kind:  kind,
		Mode:  uint32(fi.Mode().Perm()),
		Mtime: fi.ModTime(),
	}
	if kind == tarformat.Regular {
		m.Size = fi.Size()
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		m.UID = st.Uid
		m.GID = st.Gid
	}
	return m
}
