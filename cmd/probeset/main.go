// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command probeset is an interactive shell over a probeset table. It reads
// one command per line from stdin; see package repl for the command set.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bombsimon/logrusr/v4"
	"github.com/cockroachdb/probeset"
	"github.com/cockroachdb/probeset/internal/metrics"
	"github.com/cockroachdb/probeset/internal/repl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const (
	defaultInitialCapacity = 3
	shutdownTimeout        = 5 * time.Second
)

var errUnknownHash = errors.New("unknown hash function")

type options struct {
	initialCapacity int
	loadFactor      float64
	maxKeyLength    int
	maxLineLength   int
	hash            string
	logLevel        string
	metricsAddr     string
	prompt          bool
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("probeset", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.IntVar(&opts.initialCapacity, "initial-capacity", defaultInitialCapacity, "number of slots the table starts with")
	fs.Float64Var(&opts.loadFactor, "load-factor", probeset.DefaultLoadFactor, "fraction of slots that may be full before the table grows")
	fs.IntVar(&opts.maxKeyLength, "max-key-length", probeset.DefaultMaxKeyLength, "longest key in bytes")
	fs.IntVar(&opts.maxLineLength, "max-line-length", repl.DefaultMaxLineLength, "longest input line in bytes; longer lines are skipped")
	fs.StringVar(&opts.hash, "hash", "fnv1a", "hash function: fnv1a or xxhash")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on; empty disables")
	fs.BoolVar(&opts.prompt, "prompt", true, "print a prompt before reading each line")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func initializeLogger(level string, out io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.Out = out
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	log.SetLevel(lvl)
	return log, nil
}

func newTable(opts options, log *logrus.Logger) (*probeset.Table, error) {
	hash, ok := probeset.HashByName(opts.hash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownHash, opts.hash)
	}
	return probeset.New(opts.initialCapacity,
		probeset.WithHash(hash),
		probeset.WithLoadFactor(opts.loadFactor),
		probeset.WithMaxKeyLength(opts.maxKeyLength),
		probeset.WithLogger(logrusr.New(log).WithName("probeset")),
	)
}

// metricsServer serves a Recorder's metrics until shutdown is called.
type metricsServer struct {
	rec  *metrics.Recorder
	srv  *http.Server
	addr net.Addr
	done chan struct{}
	log  logrus.FieldLogger
}

// startMetricsServer registers a Recorder and serves it on ln.
func startMetricsServer(ln net.Listener, log logrus.FieldLogger) (*metricsServer, error) {
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	m := &metricsServer{
		rec:  rec,
		srv:  &http.Server{Handler: metrics.Router(reg), ReadHeaderTimeout: shutdownTimeout},
		addr: ln.Addr(),
		done: make(chan struct{}),
		log:  log,
	}
	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	log.WithField("addr", m.addr.String()).Info("serving metrics")
	return m, nil
}

// shutdown stops the server and waits for Serve to return.
func (m *metricsServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.log.WithError(err).Warn("metrics server shutdown")
	}
	<-m.done
}

// run is main without the process: it returns the exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	log, err := initializeLogger(opts.logLevel, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	tbl, err := newTable(opts, log)
	if err != nil {
		log.WithError(err).Error("failed to create table")
		return 1
	}
	defer tbl.Close()

	log.WithFields(logrus.Fields{
		"capacity":    tbl.Capacity(),
		"load-factor": opts.loadFactor,
		"hash":        opts.hash,
	}).Info("table created")

	cfg := repl.Config{Prompt: opts.prompt, Logger: log, MaxLineLength: opts.maxLineLength}
	if opts.metricsAddr != "" {
		ln, err := net.Listen("tcp", opts.metricsAddr)
		if err != nil {
			log.WithError(err).Error("failed to start metrics server")
			return 1
		}
		m, err := startMetricsServer(ln, log)
		if err != nil {
			log.WithError(err).Error("failed to start metrics server")
			return 1
		}
		defer m.shutdown()
		cfg.Observer = m.rec
	}

	if err := repl.New(tbl, stdout, cfg).Run(ctx, stdin); err != nil {
		log.WithError(err).Error("command loop failed")
		return 1
	}
	return 0
}

// function to handle defers with exit, see https://stackoverflow.com/a/27629493/553720.
func doMain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

func main() {
	os.Exit(doMain())
}
