// Command pgwalreceive drives a WAL streaming receive (C7) against an
// already-established typed-message connection: it renames any partial
// segment left behind by a prior run with a ".partial" suffix and
// resumes after the highest completed segment, then streams WAL bytes
// into fixed-size segment files until the server ends the stream or
// the process is signaled to stop. The receive loop runs under a
// suture supervisor so a transient connection drop is retried with
// backoff instead of ending the process.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/pgreplica/basestream/internal/backupopts"
	"github.com/pgreplica/basestream/internal/logutil"
	"github.com/pgreplica/basestream/internal/metrics"
	"github.com/pgreplica/basestream/internal/replconn"
	"github.com/pgreplica/basestream/internal/walrecv"
	"github.com/pgreplica/basestream/internal/walsend"
)

type cli struct {
	ConnInfo    string `required:"" help:"Address (host:port) of the already-authenticated replication connection to dial."`
	Dir         string `required:"" help:"Directory to write WAL segment files into."`
	Timeline    uint32 `default:"1" help:"Timeline ID to receive."`
	StartFileID uint32 `name:"start-file-id" default:"0" help:"FileID component of the requested start LSN, used only when no segment can be resumed."`
	StartOffset uint32 `name:"start-offset" default:"0" help:"ByteOffset component of the requested start LSN, used only when no segment can be resumed."`
	Verbose     bool   `short:"v" help:"Enable verbose logging."`
	MetricsAddr string `name:"metrics-addr" help:"If set, serve Prometheus metrics on this address."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Description("Receive a streaming WAL feed into fixed-size segment files."),
	)

	opts := backupopts.WalReceiveOptions{
		Dir:      c.Dir,
		ConnInfo: c.ConnInfo,
		Verbose:  c.Verbose,
	}

	logger := logutil.Default(opts.Verbose)
	reg := prometheus.NewRegistry()
	m := metrics.NewSet(reg, "pgwalreceive")

	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		logger.Fatalf("pgwalreceive: mkdir %s: %v", opts.Dir, err)
	}

	svc := &receiveService{
		opts:     &opts,
		timeline: c.Timeline,
		start:    walsend.LSN{FileID: c.StartFileID, ByteOffset: c.StartOffset},
		logger:   logger,
		metrics:  m,
	}

	sup := suture.New("pgwalreceive", suture.Spec{})
	sup.Add(svc)
	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		sup.Add(&httpService{srv: &http.Server{Addr: c.MetricsAddr, Handler: mux}})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Fatalf("pgwalreceive: %v", err)
	}
}

// httpService runs the Prometheus metrics endpoint as a second
// suture-supervised service alongside the WAL receive loop, so a
// metrics server crash is retried the same way a dropped connection is.
type httpService struct {
	srv *http.Server
}

func (h *httpService) Serve(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		h.srv.Shutdown(context.Background())
		close(done)
	}()
	err := h.srv.ListenAndServe()
	<-done
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// receiveService is one suture-supervised attempt at a WAL receive: it
// dials, resumes from whatever segment files already exist in the
// target directory, and streams until the server ends the exchange or
// ctx is canceled. A dial or stream error returns to the supervisor,
// which retries with backoff; Resume's idempotent directory scan makes
// each retry safe to repeat.
type receiveService struct {
	opts     *backupopts.WalReceiveOptions
	timeline uint32
	start    walsend.LSN
	logger   *logutil.Logger
	metrics  *metrics.Set
}

func (s *receiveService) Serve(ctx context.Context) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", s.opts.ConnInfo)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.opts.ConnInfo, err)
	}
	defer nc.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			nc.Close()
		case <-done:
		}
	}()

	conn := replconn.NewNetConn(nc)
	recv := walrecv.New(conn, s.opts.Dir, s.logger, s.metrics)

	start := s.start
	if resumed, ok, err := recv.Resume(s.timeline); err != nil {
		return fmt.Errorf("resume scan: %w", err)
	} else if ok {
		s.logger.Infof("resuming from completed segment ending at fileid=%d offset=%d (overrides requested start)", resumed.FileID, resumed.ByteOffset)
		start = resumed
	}
	start.ByteOffset -= start.ByteOffset % walrecv.SegSize

	onFinish := walrecv.OnSegmentFinishFunc(func(blockstart walsend.LSN, tl uint32) bool {
		s.logger.Infof("segment finished: fileid=%d offset=%d timeline=%d", blockstart.FileID, blockstart.ByteOffset, tl)
		return ctx.Err() != nil
	})

	ok, err := recv.Run(start, s.timeline, onFinish)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("WAL stream ended without a clean command-complete")
	}
	return nil
}
