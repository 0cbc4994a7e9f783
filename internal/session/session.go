// Package session implements the Backup Session (C3): it orchestrates
// start_backup -> per-location batch -> stop_backup, sends the header
// row-set for each storage location, and guarantees abort_backup() runs
// exactly once on any failure between a successful start_backup and the
// call to stop_backup (a failing stop_backup does not trigger it).
package session

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pgreplica/basestream/internal/backuperr"
	"github.com/pgreplica/basestream/internal/dirwalk"
	"github.com/pgreplica/basestream/internal/logutil"
	"github.com/pgreplica/basestream/internal/metrics"
	"github.com/pgreplica/basestream/internal/replconn"
	"github.com/pgreplica/basestream/internal/tarwriter"
)

// Lifecycle is the engine's backup-lifecycle contract: start_backup,
// stop_backup, and abort_backup, per spec.md §1. Its implementation
// (checkpointing, WAL bookkeeping) is the transactional engine's
// concern and out of scope here.
type Lifecycle interface {
	StartBackup(label string, fast bool) error
	StopBackup() error
	AbortBackup() error
}

// StorageLocation identifies the primary data directory (zero value) or
// one tablespace.
type StorageLocation struct {
	ID      string
	AbsPath string
}

// IsPrimary reports whether loc is the primary data directory.
func (loc StorageLocation) IsPrimary() bool { return loc.ID == "" && loc.AbsPath == "" }

const tblspcDirName = "pg_tblspc"

// Session drives one base-backup send over conn against a live data
// directory rooted at dataDir.
type Session struct {
	conn    replconn.Conn
	engine  Lifecycle
	dataDir string
	logger  *logutil.Logger
	metrics *metrics.Set
}

// New constructs a Session.
func New(conn replconn.Conn, engine Lifecycle, dataDir string, logger *logutil.Logger, m *metrics.Set) *Session {
	return &Session{conn: conn, engine: engine, dataDir: dataDir, logger: logger, metrics: m}
}

// SendBaseBackup runs the full protocol in spec.md §4.3: it invokes
// start_backup, emits the primary batch, emits one batch per tablespace
// symlink found under pg_tblspc, and invokes stop_backup — with
// abort_backup guaranteed exactly once if anything fails in between.
func (s *Session) SendBaseBackup(label string, wantProgress bool) error {
	tblspcPath := s.dataDir + "/" + tblspcDirName
	entries, err := os.ReadDir(tblspcPath)
	if err != nil {
		return backuperr.New(backuperr.Filesystem, "session.SendBaseBackup: open pg_tblspc", err)
	}

	if err := s.engine.StartBackup(label, true); err != nil {
		return backuperr.New(backuperr.Transport, "session.SendBaseBackup: start_backup", err)
	}

	committed := false
	defer func() {
		if !committed {
			if aerr := s.engine.AbortBackup(); aerr != nil {
				s.logger.Warnf("session: abort_backup failed: %v", aerr)
			}
		}
	}()

	if err := s.sendBatch(StorageLocation{}, wantProgress); err != nil {
		return err
	}

	for _, de := range entries {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		linkPath := tblspcPath + "/" + de.Name()
		target, err := os.Readlink(linkPath)
		if err != nil {
			s.logger.Warnf("session: unable to read symbolic link %q: %v", linkPath, err)
			continue
		}
		if err := s.sendBatch(StorageLocation{ID: de.Name(), AbsPath: target}, wantProgress); err != nil {
			return err
		}
	}

	committed = true
	if err := s.engine.StopBackup(); err != nil {
		return backuperr.New(backuperr.Transport, "session.SendBaseBackup: stop_backup", err)
	}
	return nil
}

func (s *Session) sendBatch(loc StorageLocation, wantProgress bool) error {
	root := s.dataDir
	if !loc.IsPrimary() {
		root = loc.AbsPath
	}
	w := dirwalk.New(root, s.logger)

	var sizeKB int64
	if wantProgress {
		total, err := w.Walk(dirwalk.PurposeSize, nil)
		if err != nil {
			return err
		}
		sizeKB = total / 1024
	}

	if err := s.conn.SendRowDescription(batchFields()); err != nil {
		return backuperr.New(backuperr.Transport, "session.sendBatch: row-description", err)
	}
	if err := s.conn.SendDataRow(batchRow(loc, sizeKB)); err != nil {
		return backuperr.New(backuperr.Transport, "session.sendBatch: data-row", err)
	}
	if err := s.conn.SendCommandComplete("SELECT"); err != nil {
		return backuperr.New(backuperr.Transport, "session.sendBatch: command-complete", err)
	}
	if err := s.conn.BeginCopyOut(); err != nil {
		return backuperr.New(backuperr.Transport, "session.sendBatch: copy-out", err)
	}

	tw := tarwriter.New(copyDataSink{s.conn}, s.metrics)
	if _, err := w.Walk(dirwalk.PurposeEmit, tw); err != nil {
		return err
	}
	if wantProgress {
		s.logger.Infof("batch %q: member-set fingerprint %016x", loc.ID, tw.Fingerprint())
	}
	// Stream terminator: two zero blocks, per spec.md §4.3.
	if err := s.conn.SendCopyData(make([]byte, 1024)); err != nil {
		return backuperr.New(backuperr.Transport, "session.sendBatch: terminator", err)
	}

	if err := s.conn.EndCopyOut(); err != nil {
		return backuperr.New(backuperr.Transport, "session.sendBatch: copy-done", err)
	}
	if s.metrics != nil {
		s.metrics.BatchesSent.Inc()
	}
	return nil
}

func batchFields() []replconn.Field {
	return []replconn.Field{
		{Name: "spcoid", OID: 26 /* OIDOID */, Len: 4},
		{Name: "spclocation", OID: 25 /* TEXTOID */, Len: -1},
		{Name: "size", OID: 20 /* INT8OID */, Len: 8},
	}
}

func batchRow(loc StorageLocation, sizeKB int64) replconn.Row {
	sizeStr := []byte(strconv.FormatInt(sizeKB, 10))
	if loc.IsPrimary() {
		return replconn.Row{nil, nil, sizeStr}
	}
	oid, err := strconv.ParseUint(loc.ID, 10, 32)
	if err != nil {
		oid = 0
	}
	oidBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(oidBytes, uint32(oid))
	return replconn.Row{oidBytes, []byte(loc.AbsPath), sizeStr}
}

// copyDataSink adapts a replconn.Conn into an io.Writer that frames
// every Write as one copy-data message.
type copyDataSink struct{ conn replconn.Conn }

func (s copyDataSink) Write(p []byte) (int, error) {
	if err := s.conn.SendCopyData(p); err != nil {
		return 0, fmt.Errorf("session: copy-data write: %w", err)
	}
	return len(p), nil
}
