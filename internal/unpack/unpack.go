// Package unpack implements Receive-and-Unpack (C5): it parses an
// incoming tar byte stream and reconstructs regular files, directories,
// and symlinks-to-directories under a target directory.
package unpack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pgreplica/basestream/internal/backuperr"
	"github.com/pgreplica/basestream/internal/logutil"
	"github.com/pgreplica/basestream/internal/tarformat"
)

type state int

const (
	betweenMembers state = iota
	inFile
)

// Unpacker is a resumable state machine fed arbitrarily-chunked byte
// buffers from the copy-out stream (see Feed). It does not assume any
// particular chunking of the incoming data: header, body and padding
// bytes may each arrive split across any number of Feed calls.
type Unpacker struct {
	targetDir           string
	rewriteLeadingSlash bool
	logger              *logutil.Logger

	st          state
	headerBuf   []byte
	curFile     *os.File
	curPath     string
	fileRemain  int64
	filePadding int64
}

// New constructs an Unpacker rooted at targetDir. rewriteLeadingSlash
// enables the leading-slash-to-underscore rewrite flagged as a
// deliberate hack in spec.md §9; it defaults to off and must be opted
// into explicitly by the caller.
func New(targetDir string, rewriteLeadingSlash bool, logger *logutil.Logger) *Unpacker {
	return &Unpacker{targetDir: targetDir, rewriteLeadingSlash: rewriteLeadingSlash, logger: logger}
}

// Feed processes one incoming buffer of arbitrary length.
func (u *Unpacker) Feed(data []byte) error {
	for len(data) > 0 {
		switch u.st {
		case betweenMembers:
			need := 512 - len(u.headerBuf)
			take := need
			if take > len(data) {
				take = len(data)
			}
			u.headerBuf = append(u.headerBuf, data[:take]...)
			data = data[take:]
			if len(u.headerBuf) < 512 {
				return nil
			}
			if err := u.handleHeader(u.headerBuf); err != nil {
				return err
			}
			u.headerBuf = nil

		case inFile:
			if u.fileRemain > 0 {
				take := u.fileRemain
				if take > int64(len(data)) {
					take = int64(len(data))
				}
				if _, err := u.curFile.Write(data[:take]); err != nil {
					return backuperr.New(backuperr.Filesystem, "unpack: write "+u.curPath, err)
				}
				u.fileRemain -= take
				data = data[take:]
				if u.fileRemain == 0 && u.filePadding == 0 {
					if err := u.closeCurrent(); err != nil {
						return err
					}
				}
				continue
			}
			if u.filePadding > 0 {
				take := u.filePadding
				if take > int64(len(data)) {
					take = int64(len(data))
				}
				u.filePadding -= take
				data = data[take:]
				if u.filePadding == 0 {
					if err := u.closeCurrent(); err != nil {
						return err
					}
				}
				continue
			}
		}
	}
	return nil
}

// End must be called once the copy stream has ended cleanly. It is an
// error for a file to still be open.
func (u *Unpacker) End() error {
	if u.st == inFile {
		return backuperr.New(backuperr.Protocol, "unpack.End", fmt.Errorf("last file was never finished"))
	}
	return nil
}

func (u *Unpacker) closeCurrent() error {
	err := u.curFile.Close()
	u.curFile = nil
	u.curPath = ""
	u.st = betweenMembers
	if err != nil {
		return backuperr.New(backuperr.Filesystem, "unpack: close", err)
	}
	return nil
}

func (u *Unpacker) handleHeader(h []byte) error {
	if isZeroBlock(h) {
		// One of the two terminator blocks that close every batch
		// (spec.md §4.3); nothing to unpack.
		return nil
	}

	name := tarformat.ParseName(h)

	if strings.HasSuffix(name, "/") {
		path := u.resolvePath(strings.TrimSuffix(name, "/"))
		switch tarformat.Typeflag(h) {
		case '5': // directory
			if err := os.MkdirAll(path, 0700); err != nil {
				return backuperr.New(backuperr.Filesystem, "unpack: mkdir "+path, err)
			}
		case '2': // symbolic link
			target := tarformat.LinkTarget(h)
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return backuperr.New(backuperr.Filesystem, "unpack: mkdir parent of "+path, err)
			}
			if err := os.Symlink(target, path); err != nil {
				return backuperr.New(backuperr.Filesystem, "unpack: symlink "+path, err)
			}
		default:
			return backuperr.New(backuperr.Protocol, "unpack.handleHeader", fmt.Errorf("unknown link indicator %q", tarformat.Typeflag(h)))
		}
		return nil
	}

	size, err := tarformat.ParseSize(h)
	if err != nil {
		return backuperr.New(backuperr.Protocol, "unpack.handleHeader", err)
	}
	path := u.resolvePath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return backuperr.New(backuperr.Filesystem, "unpack: mkdir parent of "+path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return backuperr.New(backuperr.Filesystem, "unpack: create "+path, err)
	}

	if size == 0 {
		return f.Close()
	}

	u.curFile = f
	u.curPath = path
	u.fileRemain = size
	u.filePadding = (512 - (size % 512)) % 512
	u.st = inFile
	return nil
}

func isZeroBlock(h []byte) bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}

// resolvePath joins a member name to the target directory. A name
// beginning with "/" is, when rewriteLeadingSlash is enabled, rewritten
// to begin with "_" instead — a deliberate hack carried over from the
// source and exposed as an explicit opt-in per spec.md §9.
func (u *Unpacker) resolvePath(name string) string {
	if strings.HasPrefix(name, "/") {
		if u.rewriteLeadingSlash {
			name = "_" + name[1:]
			return filepath.Join(u.targetDir, name)
		}
		return name
	}
	return filepath.Join(u.targetDir, name)
}
