// Package archivesink implements Receive-as-Archive (C6): it persists
// an incoming tar stream verbatim, one file per storage location,
// terminated by the mandatory two zero blocks, optionally gzip-wrapped.
package archivesink

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/pgreplica/basestream/internal/backuperr"
)

// Sink is a writable destination for one batch's raw tar bytes.
type Sink struct {
	raw   io.Writer
	gz    *gzip.Writer
	file  *os.File
	isStd bool
}

// FileName returns the on-disk name for loc (primary batch: "base.tar",
// tablespace batch: "<id>.tar"), with a ".gz" suffix when compress > 0.
func FileName(locationID string, compress int) string {
	name := "base.tar"
	if locationID != "" {
		name = locationID + ".tar"
	}
	if compress > 0 {
		name += ".gz"
	}
	return name
}

// NewFile opens (or creates) tarDir/FileName(locationID, compress) and
// wraps it for writing, applying gzip at the given level when
// compress > 0.
func NewFile(tarDir, locationID string, compress int) (*Sink, error) {
	if compress < 0 || compress > 9 {
		return nil, backuperr.New(backuperr.Semantic, "archivesink.NewFile", fmt.Errorf("compress level %d out of range [0,9]", compress))
	}
	path := tarDir + "/" + FileName(locationID, compress)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, backuperr.New(backuperr.Filesystem, "archivesink.NewFile: open "+path, err)
	}
	s := &Sink{file: f, raw: f}
	if compress > 0 {
		gz, err := gzip.NewWriterLevel(f, compress)
		if err != nil {
			f.Close()
			return nil, backuperr.New(backuperr.Semantic, "archivesink.NewFile: gzip level", err)
		}
		s.gz = gz
	}
	return s, nil
}

// NewStdout wraps os.Stdout. Per spec.md §4.6 it is only valid when a
// single batch exists and compression is off; the caller enforces
// compression-off via backupopts.BackupOptions.Validate and rejects a
// second batch while reading batches from the server.
func NewStdout() *Sink {
	return &Sink{raw: os.Stdout, isStd: true}
}

func (s *Sink) writer() io.Writer {
	if s.gz != nil {
		return s.gz
	}
	return s.raw
}

// Write forwards p to the underlying (possibly gzip-wrapped) sink.
func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.writer().Write(p)
	if err != nil {
		return n, backuperr.New(backuperr.Filesystem, "archivesink.Write", err)
	}
	return n, nil
}

var zeroBlocks [1024]byte

// Close appends the two 512-byte zero blocks that terminate a tar
// archive, then flushes and closes the underlying file (a no-op for
// stdout beyond the terminator).
func (s *Sink) Close() error {
	if _, err := s.writer().Write(zeroBlocks[:]); err != nil {
		return backuperr.New(backuperr.Filesystem, "archivesink.Close: terminator", err)
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return backuperr.New(backuperr.Filesystem, "archivesink.Close: gzip", err)
		}
	}
	if s.isStd {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return backuperr.New(backuperr.Filesystem, "archivesink.Close", err)
	}
	return nil
}
