// Command pgbackupclient drives a base-backup receive (C5/C6) against an
// already-established typed-message connection: dial the server, read
// one row-description/data-row/command-complete triple per storage
// location, then drain that location's copy-data stream into either an
// unpacked directory tree or a raw tar archive.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pgreplica/basestream/internal/archivesink"
	"github.com/pgreplica/basestream/internal/backupopts"
	"github.com/pgreplica/basestream/internal/logutil"
	"github.com/pgreplica/basestream/internal/metrics"
	"github.com/pgreplica/basestream/internal/replconn"
	"github.com/pgreplica/basestream/internal/unpack"
)

type cli struct {
	ConnInfo    string `required:"" help:"Address (host:port) of the already-authenticated replication connection to dial."`
	BaseDir     string `name:"basedir" help:"Unpack into this directory tree."`
	TarDir      string `name:"tardir" help:"Write raw tar archives into this directory, or \"-\" for stdout."`
	Label       string `default:"pgbackupclient base backup" help:"Backup label. Not transmitted: this client sends no command to the server and only reads the batches it streams."`
	Compress    int    `default:"0" help:"gzip level 1-9 for --tardir output; 0 disables compression."`
	Progress    bool   `help:"Report a running completion percentage on stderr."`
	Verbose     bool   `short:"v" help:"Enable verbose logging."`
	MetricsAddr string `name:"metrics-addr" help:"If set, serve Prometheus metrics on this address."`
	RewriteLeadingSlash bool `name:"rewrite-leading-slash-hack" help:"Opt into rewriting absolute tar member names to begin with '_' under the target directory instead of writing them at that absolute path; see spec.md §9."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Description("Receive a streaming base backup and unpack or archive it."),
	)

	opts := backupopts.BackupOptions{
		BaseDir:             c.BaseDir,
		TarDir:              c.TarDir,
		Label:               c.Label,
		Progress:            c.Progress,
		Compress:            c.Compress,
		Verbose:             c.Verbose,
		ConnInfo:            c.ConnInfo,
		LeadingSlashRewrite: c.RewriteLeadingSlash,
	}
	if err := opts.Validate(1); err != nil {
		fmt.Fprintln(os.Stderr, "pgbackupclient:", err)
		os.Exit(1)
	}

	logger := logutil.Default(opts.Verbose)
	reg := prometheus.NewRegistry()
	m := metrics.NewSet(reg, "pgbackupclient")

	// The metrics server and the backup run are independent failure
	// domains; errgroup ties their lifetimes together so a metrics
	// server crash doesn't leave the run unreported, and a finished run
	// tears the metrics server back down instead of leaking a goroutine.
	g, ctx := errgroup.WithContext(context.Background())
	var srv *http.Server
	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: c.MetricsAddr, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			if srv != nil {
				srv.Shutdown(ctx)
			}
		}()
		return run(&opts, logger, m)
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("pgbackupclient: %v", err)
	}
}

func run(opts *backupopts.BackupOptions, logger *logutil.Logger, m *metrics.Set) error {
	nc, err := net.Dial("tcp", opts.ConnInfo)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.ConnInfo, err)
	}
	defer nc.Close()
	conn := replconn.NewNetConn(nc)

	var progress backupopts.ProgressTracker
	batchesSeen := 0

	for {
		fields, err := conn.ReadRowDescription()
		if err != nil {
			// The server closes the connection once every batch has
			// been sent; any read error here ends the backup cleanly.
			break
		}
		row, err := conn.ReadDataRow()
		if err != nil {
			return fmt.Errorf("read data row: %w", err)
		}
		if _, err := conn.ReadCommandComplete(); err != nil {
			return fmt.Errorf("read command-complete: %w", err)
		}

		if opts.Stdout() && batchesSeen == 1 {
			return fmt.Errorf("--tardir - (stdout) only supports a single storage location, but the server sent another batch")
		}

		spcoid, absPath, sizeKB := parseBatchRow(fields, row)
		if opts.Progress {
			progress.TotalSize += sizeKB * 1024
			if spcoid != "" {
				progress.TablespaceCount++
			}
		}

		if err := receiveBatch(conn, opts, spcoid, absPath, logger, m, &progress); err != nil {
			return fmt.Errorf("batch %q: %w", spcoid, err)
		}
		batchesSeen++
		if opts.Progress {
			fmt.Fprintf(os.Stderr, "progress: %.1f%% (%d tablespaces)\n", progress.Percent(), progress.TablespaceCount)
		}
	}

	if batchesSeen == 0 {
		return fmt.Errorf("server closed connection before sending any storage location")
	}
	return nil
}

// parseBatchRow decodes one batch row: spcoid (column 0, a 4-byte
// big-endian OID, nil for the primary batch) and spclocation (column
// 1, the tablespace's absolute path, nil for the primary batch). Per
// session.batchRow, the two always arrive together or not at all.
func parseBatchRow(fields []replconn.Field, row replconn.Row) (spcoid, absPath string, sizeKB int64) {
	for i, f := range fields {
		if i >= len(row) {
			break
		}
		switch f.Name {
		case "spcoid":
			if row[i] != nil && len(row[i]) == 4 {
				spcoid = strconv.FormatUint(uint64(binary.BigEndian.Uint32(row[i])), 10)
			}
		case "spclocation":
			if row[i] != nil {
				absPath = string(row[i])
			}
		case "size":
			fmt.Sscanf(string(row[i]), "%d", &sizeKB)
		}
	}
	return spcoid, absPath, sizeKB
}

func receiveBatch(conn *replconn.NetConn, opts *backupopts.BackupOptions, spcoid, absPath string, logger *logutil.Logger, m *metrics.Set, progress *backupopts.ProgressTracker) error {
	var unpacker *unpack.Unpacker
	var sink *archivesink.Sink
	var err error

	switch {
	case opts.BaseDir != "":
		// The primary batch unpacks under basedir; a tablespace batch
		// unpacks directly into its server-reported absolute path — the
		// basedir/pg_tblspc/<oid> symlink to that path is already created
		// from the primary tar's symlink member (spec.md §4.5).
		target := opts.BaseDir
		if spcoid != "" {
			target = absPath
			if err := os.MkdirAll(target, 0700); err != nil {
				return err
			}
		}
		unpacker = unpack.New(target, opts.LeadingSlashRewrite, logger)
	case opts.Stdout():
		sink = archivesink.NewStdout()
	default:
		sink, err = archivesink.NewFile(opts.TarDir, spcoid, opts.Compress)
		if err != nil {
			return err
		}
	}

	for {
		data, err := conn.NextCopyData()
		if err == replconn.ErrClosed {
			break
		}
		if err != nil {
			return err
		}
		if progress != nil {
			progress.AddDone(int64(len(data)))
		}
		if unpacker != nil {
			if err := unpacker.Feed(data); err != nil {
				return err
			}
		} else {
			if _, err := sink.Write(data); err != nil {
				return err
			}
		}
	}

	if unpacker != nil {
		if err := unpacker.End(); err != nil {
			return err
		}
	} else {
		if err := sink.Close(); err != nil {
			return err
		}
	}
	if m != nil {
		m.BatchesSent.Inc()
	}
	return nil
}
