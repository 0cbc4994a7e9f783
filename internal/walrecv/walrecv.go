// Package walrecv implements the WAL Receiver (C7): it opens one
// segment file per 16 MiB boundary, verifies positional invariants,
// fsyncs and closes on completion, and renames/resumes partial segment
// files found on restart.
package walrecv

import (
	"fmt"
	"os"
	"regexp"

	"golang.org/x/sys/unix"

	"github.com/pgreplica/basestream/internal/backuperr"
	"github.com/pgreplica/basestream/internal/logutil"
	"github.com/pgreplica/basestream/internal/metrics"
	"github.com/pgreplica/basestream/internal/replconn"
	"github.com/pgreplica/basestream/internal/walsend"
)

// SegSize mirrors walsend.SegSize (16 MiB): no block the receiver
// writes may cross this boundary within a single segment file.
const SegSize = walsend.SegSize

var segmentNameRE = regexp.MustCompile(`^[0-9A-F]{24}$`)

// OnSegmentFinish is invoked once a segment has been fsync'd and
// closed. Returning true tells the receive loop to stop cleanly.
type OnSegmentFinish interface {
	Finish(blockstart walsend.LSN, timeline uint32) (stop bool)
}

// OnSegmentFinishFunc adapts a function to OnSegmentFinish.
type OnSegmentFinishFunc func(blockstart walsend.LSN, timeline uint32) bool

func (f OnSegmentFinishFunc) Finish(blockstart walsend.LSN, timeline uint32) bool {
	return f(blockstart, timeline)
}

// SegmentName renders the 24-hex-digit file name for a segment
// containing start, on the given timeline.
func SegmentName(timeline uint32, start walsend.LSN) string {
	segIndex := start.ByteOffset / SegSize
	return fmt.Sprintf("%08X%08X%08X", timeline, start.FileID, segIndex)
}

// Receiver drives one WAL streaming receive into dir.
type Receiver struct {
	conn    replconn.Conn
	dir     string
	logger  *logutil.Logger
	metrics *metrics.Set

	xlogoff     uint32
	currentFile *os.File
	currentName string
}

// New constructs a Receiver.
func New(conn replconn.Conn, dir string, logger *logutil.Logger, m *metrics.Set) *Receiver {
	return &Receiver{conn: conn, dir: dir, logger: logger, metrics: m}
}

// Resume scans dir for segment-named files belonging to timeline. Any
// file whose size is not exactly SegSize is renamed with a ".partial"
// suffix. It returns the resumption point — the end of the
// highest-numbered completed segment found, or (zero value, false) if
// none were found, in which case the caller's own start position
// applies unchanged.
func (r *Receiver) Resume(timeline uint32) (walsend.LSN, bool, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return walsend.LSN{}, false, backuperr.New(backuperr.Filesystem, "walrecv.Resume: readdir", err)
	}

	var haveHighest bool
	var highest walsend.LSN
	var highestKey uint64

	for _, de := range entries {
		name := de.Name()
		if !segmentNameRE.MatchString(name) {
			continue
		}
		var tl, fileID, segIdx uint32
		if _, err := fmt.Sscanf(name, "%08X%08X%08X", &tl, &fileID, &segIdx); err != nil {
			continue
		}
		if tl != timeline {
			continue
		}

		info, err := de.Info()
		if err != nil {
			return walsend.LSN{}, false, backuperr.New(backuperr.Filesystem, "walrecv.Resume: stat "+name, err)
		}

		if info.Size() != SegSize {
			if err := os.Rename(r.dir+"/"+name, r.dir+"/"+name+".partial"); err != nil {
				return walsend.LSN{}, false, backuperr.New(backuperr.Filesystem, "walrecv.Resume: rename "+name, err)
			}
			if r.metrics != nil {
				r.metrics.WALSegmentsPartial.Inc()
			}
			continue
		}

		key := uint64(fileID)<<32 | uint64(segIdx)
		if !haveHighest || key > highestKey {
			haveHighest = true
			highestKey = key
			highest = walsend.LSN{FileID: fileID, ByteOffset: (segIdx + 1) * SegSize}
		}
	}

	return highest, haveHighest, nil
}

// Run receives the WAL stream starting at start on the given timeline,
// writing segment files into dir. start.ByteOffset must be a multiple
// of SegSize (the caller rounds down; see spec.md §4.7). It returns
// true if the server closed the stream cleanly (command-ok), false
// with the server's error text otherwise.
func (r *Receiver) Run(start walsend.LSN, timeline uint32, onFinish OnSegmentFinish) (bool, error) {
	if start.ByteOffset%SegSize != 0 {
		return false, backuperr.New(backuperr.Invariant, "walrecv.Run", fmt.Errorf("start offset %d is not a segment boundary", start.ByteOffset))
	}
	r.xlogoff = start.ByteOffset % SegSize

	for {
		msg, err := r.conn.NextCopyData()
		if err == replconn.ErrClosed {
			ok, errMsg, rerr := r.conn.CommandResult()
			if rerr != nil {
				return false, backuperr.New(backuperr.Transport, "walrecv.Run: command-result", rerr)
			}
			if !ok {
				return false, fmt.Errorf("walrecv: unexpected termination of replication stream: %s", errMsg)
			}
			return true, nil
		}
		if err != nil {
			return false, backuperr.New(backuperr.Transport, "walrecv.Run: copy-data", err)
		}

		blockstart, payload, derr := walsend.DecodeBlock(msg)
		if derr != nil {
			return false, backuperr.New(backuperr.Protocol, "walrecv.Run", derr)
		}

		initialOff := blockstart.ByteOffset % SegSize
		if r.currentFile == nil {
			if initialOff != 0 {
				return false, backuperr.New(backuperr.Invariant, "walrecv.Run", fmt.Errorf("received xlog record for offset %d with no file open", initialOff))
			}
		} else if initialOff != r.xlogoff {
			return false, backuperr.New(backuperr.Invariant, "walrecv.Run", fmt.Errorf("WAL data offset error, got %d, expected %d", initialOff, r.xlogoff))
		}

		for len(payload) > 0 {
			if r.currentFile == nil {
				if err := r.openSegment(timeline, blockstart); err != nil {
					return false, err
				}
			}

			space := SegSize - r.xlogoff
			n := uint32(len(payload))
			if n > space {
				n = space
			}
			if _, err := r.currentFile.Write(payload[:n]); err != nil {
				return false, backuperr.New(backuperr.Filesystem, "walrecv.Run: write "+r.currentName, err)
			}
			payload = payload[n:]
			r.xlogoff += n
			blockstart.ByteOffset += n

			if r.xlogoff == SegSize {
				if err := r.finishSegment(); err != nil {
					return false, err
				}
				r.xlogoff = 0
				if onFinish != nil && onFinish.Finish(blockstart, timeline) {
					return true, nil
				}
			}
		}
	}
}

func (r *Receiver) openSegment(timeline uint32, start walsend.LSN) error {
	name := SegmentName(timeline, start)
	path := r.dir + "/" + name
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return backuperr.New(backuperr.Filesystem, "walrecv: open "+path, err)
	}
	r.currentFile = f
	r.currentName = name
	if r.metrics != nil {
		r.metrics.WALSegmentsOpened.Inc()
	}
	return nil
}

func (r *Receiver) finishSegment() error {
	if err := unix.Fdatasync(int(r.currentFile.Fd())); err != nil {
		r.currentFile.Close()
		return backuperr.New(backuperr.Filesystem, "walrecv: fdatasync "+r.currentName, err)
	}
	err := r.currentFile.Close()
	r.currentFile = nil
	r.currentName = ""
	if err != nil {
		return backuperr.New(backuperr.Filesystem, "walrecv: close", err)
	}
	if r.metrics != nil {
		r.metrics.WALSegmentsClosed.Inc()
	}
	return nil
}
