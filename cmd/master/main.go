// tributary-master runs a server master process. It loads the configuration,
// wires the election provider and the job result store to their configured
// backends and serves submitted pipelines with fake job masters until it
// receives SIGINT or SIGTERM.
//
// There is no remote submission surface yet. The --demo-jobs flag submits
// sample pipelines at startup so a standalone master exercises the whole
// grant/run/finish cycle on its own.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/tributary-io/tributary/jobmaster"
	"github.com/tributary-io/tributary/jobmaster/fake"
	"github.com/tributary-io/tributary/libcache"
	"github.com/tributary-io/tributary/pipeline"
	"github.com/tributary-io/tributary/pkg/clock"
	"github.com/tributary-io/tributary/pkg/election"
	"github.com/tributary-io/tributary/resultstore"
	"github.com/tributary-io/tributary/servermaster"
)

const (
	etcdDialTimeout = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

var (
	flagConfig        string
	flagName          string
	flagDataDir       string
	flagLogLevel      string
	flagLogFile       string
	flagElectionMode  string
	flagEtcdEndpoints []string
	flagStoreBackend  string
	flagDemoJobs      int
	flagFakeRun       time.Duration
)

func main() {
	if err := newMasterCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newMasterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tributary-master",
		Short:        "Runs a tributary server master",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runMaster(cfg)
		},
	}

	registerFlags(cmd.Flags())
	return cmd
}

func registerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flagConfig, "config", "", "path of the configuration file")
	fs.StringVar(&flagName, "name", "", "human readable name of this master process")
	fs.StringVar(&flagDataDir, "data-dir", "", "directory job artifacts are fetched from")
	fs.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&flagLogFile, "log-file", "", "log file path, empty logs to stderr")
	fs.StringVar(&flagElectionMode, "election-mode", "", `election mode: "etcd" or "standalone"`)
	fs.StringSliceVar(&flagEtcdEndpoints, "etcd-endpoints", nil, "etcd endpoints for election and the etcd result store")
	fs.StringVar(&flagStoreBackend, "store-backend", "", `result store backend: "etcd", "mysql" or "memory"`)
	fs.IntVar(&flagDemoJobs, "demo-jobs", 1, "number of sample pipelines to submit at startup")
	fs.DurationVar(&flagFakeRun, "fake-run-duration", 10*time.Second, "how long a fake job master runs before it reports the job finished")
}

// loadConfig builds the effective configuration: defaults, then the config
// file, then explicitly set command line flags on top.
func loadConfig(cmd *cobra.Command) (*servermaster.Config, error) {
	cfg := servermaster.NewConfig()
	if flagConfig != "" {
		if err := cfg.FromFile(flagConfig); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("name") {
		cfg.Name = flagName
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = flagDataDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.LogFile = flagLogFile
	}
	if cmd.Flags().Changed("election-mode") {
		cfg.Election.Mode = servermaster.ElectionMode(flagElectionMode)
	}
	if cmd.Flags().Changed("etcd-endpoints") {
		cfg.Election.Endpoints = flagEtcdEndpoints
	}
	if cmd.Flags().Changed("store-backend") {
		cfg.ResultStore.Backend = servermaster.StoreBackend(flagStoreBackend)
	}
	cfg.Adjust()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMaster(cfg *servermaster.Config) error {
	logger, props, err := log.InitLogger(&log.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   log.FileLogConfig{Filename: cfg.LogFile},
	})
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	log.L().Info("server master configuration", zap.Stringer("config", cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var electionCli *clientv3.Client
	if cfg.Election.Mode == servermaster.ElectionModeEtcd {
		cli, err := dialEtcd(ctx, cfg.Election.Endpoints)
		if err != nil {
			return err
		}
		defer cli.Close()
		electionCli = cli
	}

	var provider election.Provider
	if electionCli != nil {
		etcdProvider, err := election.NewEtcdProvider(ctx, electionCli, election.EtcdConfig{
			NodeID:               cfg.Name,
			CreateSessionTimeout: cfg.Election.CreateSessionTimeout.Duration,
			SessionTTL:           cfg.Election.SessionTTL.Duration,
		})
		if err != nil {
			return err
		}
		provider = etcdProvider
	} else {
		provider = election.NewStandaloneProvider()
	}
	defer func() {
		if err := provider.Close(); err != nil {
			log.L().Warn("close election provider failed", zap.Error(err))
		}
	}()

	var store resultstore.Store
	switch cfg.ResultStore.Backend {
	case servermaster.StoreBackendEtcd:
		cli := electionCli
		if cli == nil || !sameEndpoints(cfg.ResultStore.Endpoints, cfg.Election.Endpoints) {
			cli, err = dialEtcd(ctx, cfg.ResultStore.Endpoints)
			if err != nil {
				return err
			}
			defer cli.Close()
		}
		store = resultstore.NewEtcdStore(cli)
	case servermaster.StoreBackendMySQL:
		sqlStore, err := resultstore.NewMySQLStore(ctx, cfg.ResultStore.SQL)
		if err != nil {
			return err
		}
		defer func() {
			if err := sqlStore.Close(); err != nil {
				log.L().Warn("close result store failed", zap.Error(err))
			}
		}()
		store = sqlStore
	default:
		store = resultstore.NewMemoryStore()
	}

	libMgr := libcache.NewManager(libcache.NewLocalFetcher(cfg.DataDir))
	defer libMgr.Shutdown()

	factory := fake.NewFactory(fake.Config{RunDuration: flagFakeRun}, clock.New())
	manager, err := servermaster.NewJobManager(
		ctx, pipeline.NewSimplePlanner(), factory, provider, store, libMgr, clock.New(),
		servermaster.JobManagerConfig{
			Retry: jobmaster.RetryConfig{
				MaxRetries: cfg.ResultStore.MaxRetries,
				Interval:   cfg.ResultStore.RetryInterval.Duration,
			},
			StopTimeout:            cfg.Job.StopTimeout.Duration,
			HeartbeatCheckInterval: cfg.Job.HeartbeatCheckInterval.Duration,
		})
	if err != nil {
		return err
	}

	events := manager.WatchJobEvents()
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		for event := range events.C {
			if event.Err != nil {
				log.L().Warn("job left the cluster without finishing",
					zap.String("job-id", string(event.JobID)),
					zap.Error(event.Err))
				continue
			}
			log.L().Info("job finished",
				zap.String("job-id", string(event.JobID)),
				zap.Stringer("status", event.Result.Status))
		}
	}()

	for i := 0; i < flagDemoJobs; i++ {
		graph, err := manager.SubmitJob(ctx, demoPipeline(i), &pipeline.Config{})
		if err != nil {
			log.L().Warn("submit demo job failed", zap.Error(err))
			continue
		}
		log.L().Info("submitted demo job",
			zap.String("job-id", string(graph.ID)),
			zap.String("name", graph.Name))
	}

	log.L().Info("server master started",
		zap.String("name", cfg.Name),
		zap.String("election-mode", string(cfg.Election.Mode)),
		zap.String("store-backend", string(cfg.ResultStore.Backend)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.L().Info("got signal, shutting down", zap.String("signal", sig.String()))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	if err := manager.Close(closeCtx); err != nil {
		return err
	}
	<-watcherDone
	return nil
}

func dialEtcd(ctx context.Context, endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		Context:     ctx,
		DialTimeout: etcdDialTimeout,
	})
	return cli, errors.Trace(err)
}

func sameEndpoints(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// demoPipeline is a small word count shaped stream: a generator feeding a
// keyed counter feeding a sink.
func demoPipeline(i int) pipeline.Pipeline {
	return &pipeline.StreamPipeline{
		JobName: fmt.Sprintf("demo-%d", i),
		Ops: []*pipeline.Operator{
			{Name: "generator", Parallelism: 1},
			{Name: "counter", Parallelism: 2, Inputs: []string{"generator"}},
			{Name: "sink", Parallelism: 1, Inputs: []string{"counter"}},
		},
	}
}
