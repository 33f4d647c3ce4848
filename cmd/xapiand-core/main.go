// Command xapiand-core boots the shard pool, WAL writer and replication
// listener as a single process: the bootstrap surface spec.md itself does
// not describe (§1 Non-goals excludes query/HTTP), but every embeddable
// core needs a binary entry point, built the way cuemby-warren's cmd/warren
// wires cobra/pflag around its own manager/worker daemons.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xapiand/xapiand-core/internal/config"
	"github.com/xapiand/xapiand-core/internal/endpoint"
	"github.com/xapiand/xapiand-core/internal/logging"
	"github.com/xapiand/xapiand-core/internal/pool"
	"github.com/xapiand/xapiand-core/internal/replication"
	"github.com/xapiand/xapiand-core/internal/wal"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "xapiand-core",
	Short:   "Shard storage, WAL and replication core",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("xapiand-core %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("data-dir", ".", "directory holding shard subdirectories")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", true, "emit structured JSON logs")
	flags.Int("replication-port", config.Default().Replication.ServerPort, "binary replication listen port (0 disables)")
	flags.Int("max-readers", config.Default().Pool.MaxDatabaseReaders, "readable shards held open per endpoint")
	flags.String("follow", "", "host:port of a leader to replicate from, read from --data-dir")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	dataDir, _ := flags.GetString("data-dir")
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	repPort, _ := flags.GetInt("replication-port")
	maxReaders, _ := flags.GetInt("max-readers")
	follow, _ := flags.GetString("follow")

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Pool.MaxDatabaseReaders = maxReaders
	cfg.Replication.ServerPort = repPort
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	var logger logging.Logger
	if logJSON {
		logger = logging.New(os.Stderr, level)
	} else {
		logger = logging.New(zerolog.ConsoleWriter{Out: os.Stderr}, level)
	}

	walWriter := wal.NewWriterPool(cfg.WAL.WriterPoolSize, cfg.WAL.SlotCount, cfg.WAL.OpenVolumeCacheSize, logger)
	defer walWriter.Finish()

	dbPool := pool.New(cfg.Pool.MaxEndpoints, pool.Options{
		MaxReaders:  cfg.Pool.MaxDatabaseReaders,
		WALWriter:   walWriter,
		Logger:      logger,
		DebounceMin: cfg.Pool.AutocommitMin,
		DebounceMax: cfg.Pool.AutocommitMax,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 2)

	if cfg.Replication.ServerPort > 0 {
		srv := &replication.Server{
			Pool:   dbPool,
			Logger: logger,
			Rep:    cfg.Replication,
			EndpointForConn: func(conn net.Conn) (endpoint.Endpoint, error) {
				// A single-shard process serves one endpoint for every
				// incoming session; a multi-shard node would instead read
				// the requested path off the connection during a
				// preceding handshake (out of scope, see internal/replication.Server doc).
				return endpoint.Endpoint{Path: cfg.DataDir}, nil
			},
		}
		go func() {
			logger.Infof("replication listener starting on port %d", cfg.Replication.ServerPort)
			errc <- srv.ListenAndServe(ctx, cfg.Replication.ServerPort)
		}()
	}

	if follow != "" {
		leaderEp := endpoint.New(cfg.DataDir, follow)
		localEp := endpoint.Endpoint{Path: cfg.DataDir}
		rep := &replication.Replicator{
			Pool:   dbPool,
			WAL:    walWriter,
			Logger: logger,
			Rep:    cfg.Replication,
		}
		go rep.Follow(ctx, localEp, leaderEp)
	}

	go func() {
		<-ctx.Done()
		logger.Infof("shutting down")
		dbPool.Finish()
		if !dbPool.Join(context.Background(), time.Now().Add(10*time.Second)) {
			logger.Warningf("shutdown deadline exceeded with shards still referenced")
		}
		errc <- nil
	}()

	return <-errc
}
