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
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/salahayoub/swarm/pkg/dht"
	"github.com/salahayoub/swarm/pkg/discovery"
	"github.com/salahayoub/swarm/pkg/fragment"
	"github.com/salahayoub/swarm/pkg/node"
	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/scorer"
	"github.com/salahayoub/swarm/pkg/storage"
	"github.com/salahayoub/swarm/pkg/transport"
	"github.com/salahayoub/swarm/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	// recordsDBFilename is the bbolt file holding DHT records.
	recordsDBFilename = "records.db"
	// ownerKey records which node id a data directory was created for.
	ownerKey = "node_id"
	// peerProbeInterval is how often unreachable bootstrap peers are retried.
	peerProbeInterval = time.Second
	shutdownTimeout   = 5 * time.Second
	version           = "0.1.0"
)

func newRunCmd(_, stderr io.Writer) *cobra.Command {
	var (
		flags      NodeConfig
		configPath string
		peers      string
		redisAddrs string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a swarm node",
		Long: `Run a swarm node hosting one shard.

The node announces its shard in the DHT, discovers the other shards,
serves pipeline hops and job fragments over gRPC, and exposes an HTTP API
for status, inference and jobs.

Examples:
  swarmd run --id node1 --shard 0 --expected-shards 2 --dir /tmp/node1
  swarmd run --config node.toml --peers 127.0.0.1:7001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.Peers = parsePeers(peers)
			flags.Redis.Addrs = parsePeers(redisAddrs)

			cfg, err := LoadNodeConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyFlags(flags, cmd.Flags().Changed); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, commandLogger(cmd, stderr))
		},
	}

	// Flag defaults are zero so only explicitly set flags override the
	// config file; the real defaults live in DefaultNodeConfig.
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "TOML config file")
	f.StringVar(&flags.ID, "id", "", "Node identifier (required)")
	f.StringVar(&flags.Cluster, "cluster", "", "Cluster name (default swarm)")
	f.StringVar(&flags.Model, "model", "", "Model name announced with the shard (default echo)")
	f.IntVar(&flags.ShardID, "shard", 0, "Shard hosted by this node")
	f.IntVar(&flags.ExpectedShards, "expected-shards", 0, "Pipeline length; 0 learns it from the cluster metadata")
	f.IntVar(&flags.TotalLayers, "total-layers", 0, "Total model layers (default 32)")
	f.StringVar(&flags.Listen, "listen", "", "gRPC listen address (default 127.0.0.1:7000)")
	f.StringVar(&flags.HTTP, "http", "", "HTTP API listen address (default 127.0.0.1:8000)")
	f.StringVar(&flags.DataDir, "dir", "", "Data directory for the peer DHT store")
	f.StringVar(&peers, "peers", "", "Comma-separated bootstrap peers, host:port or id=host:port")
	f.StringVar(&flags.DHT, "dht", "", "DHT backend: peer or redis (default peer)")
	f.StringVar(&redisAddrs, "redis-addrs", "", "Comma-separated redis addresses for --dht redis")
	f.StringVar(&flags.Redis.Password, "redis-password", "", "Redis password")
	f.StringVar(&flags.Redis.KeyPrefix, "redis-prefix", "", "Prefix for redis keys")
	f.IntVar(&flags.Quorum, "quorum", 0, "Remote peers that must store each announcement (default 1)")
	f.IntVar(&flags.Replication, "replication", 0, "Remote peers each record is pushed to (default 3)")
	f.DurationVar(&flags.TTL.Duration, "ttl", 0, "Announcement lifetime (default 5m)")
	f.DurationVar(&flags.RefreshInterval.Duration, "refresh-interval", 0, "Announcement refresh period (default 1m)")
	f.DurationVar(&flags.PollInterval.Duration, "poll-interval", 0, "DHT poll period (default 3s)")
	f.DurationVar(&flags.FallbackDelay.Duration, "fallback-delay", 0, "One-shot re-announce after start (default 15s)")
	f.DurationVar(&flags.HopTimeout.Duration, "hop-timeout", 0, "Per-hop timeout (default 30s)")
	f.DurationVar(&flags.FragmentTimeout.Duration, "fragment-timeout", 0, "Per-fragment timeout (default 1m)")
	f.IntVar(&flags.FragmentAttempts, "fragment-attempts", 0, "Nodes each fragment is tried on (default 2)")
	f.IntVar(&flags.Overlap, "overlap", 0, "Context overlap on each side of a fragment")
	f.IntVar(&flags.MaxConcurrent, "max-concurrent", 0, "Concurrent tasks accepted; 0 is unlimited")
	f.Uint64Var(&flags.MemoryMB, "memory-mb", 0, "Advertised memory in MB")
	f.BoolVar(&flags.GPU, "gpu", false, "Advertise a GPU")
	f.Uint64Var(&flags.GPUMemoryMB, "gpu-memory-mb", 0, "Advertised GPU memory in MB")
	f.DurationVar(&flags.LoadDelay.Duration, "load-delay", 0, "Simulated shard load time before announcing loaded")
	f.DurationVar(&flags.ExecDelay.Duration, "exec-delay", 0, "Simulated compute time per task")
	return cmd
}

// swarmNode is one running node and everything it owns.
type swarmNode struct {
	cfg NodeConfig
	log zerolog.Logger

	tr      *transport.GRPCTransport
	records dht.DHT
	peerDHT *dht.PeerDHT // nil with the redis backend
	store   *storage.BoltStore
	engine  *discovery.Engine
	node    *node.Node
	coord   *pipeline.Coordinator
	jobs    *fragment.Distributor

	httpServer *http.Server
	httpLn     net.Listener
	httpOnce   sync.Once
	httpErr    error
}

// runNode starts a node, serves until ctx is cancelled and shuts down.
func runNode(ctx context.Context, cfg NodeConfig, log zerolog.Logger) error {
	s, err := startNode(ctx, cfg, log)
	if err != nil {
		return err
	}
	serveErr := s.serve(ctx)
	if code := s.shutdown(); code != 0 || serveErr != nil {
		if serveErr != nil {
			return serveErr
		}
		return errExit
	}
	return nil
}

// startNode builds and wires every component. Nothing runs until serve.
func startNode(ctx context.Context, cfg NodeConfig, log zerolog.Logger) (_ *swarmNode, err error) {
	s := &swarmNode{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			s.closeAll()
		}
	}()

	s.tr, err = transport.NewGRPCTransport(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gRPC transport on %s: %w", cfg.Listen, err)
	}
	log.Info().Str("addr", s.tr.LocalAddr()).Msg("initialized gRPC transport")

	if err := s.openRecords(ctx); err != nil {
		return nil, err
	}

	rep := scorer.NewReputationTracker(scorer.DefaultBlend)
	s.engine, err = discovery.NewEngine(discovery.Config{
		ClusterName:     cfg.Cluster,
		ModelName:       cfg.Model,
		Version:         version,
		PeerID:          cfg.ID,
		Addr:            s.tr.LocalAddr(),
		ExpectedShards:  cfg.ExpectedShards,
		TotalLayers:     cfg.TotalLayers,
		TTL:             cfg.TTL.Duration,
		RefreshInterval: cfg.RefreshInterval.Duration,
		FallbackDelay:   cfg.FallbackDelay.Duration,
		PollInterval:    cfg.PollInterval.Duration,
		Quorum:          cfg.Quorum,
		Logger:          log,
	}, s.records, scorer.New(scorer.DefaultWeights(), rep))
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery engine: %w", err)
	}

	var handler node.RecordHandler
	if s.peerDHT != nil {
		handler = s.peerDHT
	}
	s.node, err = node.New(node.Config{
		NodeID:  cfg.ID,
		ShardID: cfg.ShardID,
		Capabilities: types.Capabilities{
			MemoryTotalMB:     cfg.MemoryMB,
			MemoryAvailableMB: cfg.MemoryMB,
			GPUAvailable:      cfg.GPU,
			GPUMemoryMB:       cfg.GPUMemoryMB,
			MaxConcurrent:     cfg.MaxConcurrent,
		},
		Logger: log,
	}, node.Deps{
		Transport:  s.tr,
		Records:    handler,
		Engine:     s.engine,
		Reputation: rep,
		Executor:   node.EchoExecutor{Delay: cfg.ExecDelay.Duration},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	s.coord = pipeline.New(pipeline.Config{
		NodeID:     cfg.ID,
		HopTimeout: cfg.HopTimeout.Duration,
		Logger:     log,
	}, s.engine, s.node.Dispatcher(), rep)
	s.node.SetPipeline(s.coord)

	s.jobs = fragment.NewDistributor(fragment.Config{
		NodeID:          cfg.ID,
		FragmentTimeout: cfg.FragmentTimeout.Duration,
		MaxAttempts:     cfg.FragmentAttempts,
		Overlap:         cfg.Overlap,
		Logger:          log,
	}, s.engine, s.node.Dispatcher(), rep)

	if cfg.HTTP != "" {
		s.httpLn, err = net.Listen("tcp", cfg.HTTP)
		if err != nil {
			return nil, fmt.Errorf("failed to listen for HTTP on %s: %w", cfg.HTTP, err)
		}
		s.httpServer = &http.Server{
			Handler:           newAPIMux(s.node, s.coord, s.jobs),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

// openRecords opens the configured DHT backend.
func (s *swarmNode) openRecords(ctx context.Context) error {
	switch s.cfg.DHT {
	case backendRedis:
		opt := dht.RedisOptions{
			Addrs:     s.cfg.Redis.Addrs,
			Password:  s.cfg.Redis.Password,
			KeyPrefix: s.cfg.Redis.KeyPrefix,
		}
		client, err := dht.NewRedisClient(ctx, opt)
		if err != nil {
			return fmt.Errorf("failed to connect to redis %v: %w", opt.Addrs, err)
		}
		s.records = dht.NewRedisDHT(client, opt)
		s.log.Info().Strs("addrs", opt.Addrs).Msg("using redis DHT")
	default:
		if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory %s: %w", s.cfg.DataDir, err)
		}
		dbPath := filepath.Join(s.cfg.DataDir, recordsDBFilename)
		store, err := storage.NewBoltStore(dbPath)
		if err != nil {
			return fmt.Errorf("failed to initialize BoltStore at %s: %w", dbPath, err)
		}
		owner, err := store.GetOrSetString([]byte(ownerKey), func() string { return s.cfg.ID })
		if err == nil && owner != s.cfg.ID {
			err = fmt.Errorf("data directory %s belongs to node %q", s.cfg.DataDir, owner)
		}
		if err != nil {
			store.Close()
			return err
		}
		s.store = store
		s.peerDHT = dht.NewPeerDHT(store, s.tr, s.cfg.Peers, dht.PeerConfig{
			Replication: s.cfg.Replication,
			Logger:      s.log,
		})
		s.records = s.peerDHT
		s.log.Info().Str("path", dbPath).Strs("peers", s.cfg.Peers).Msg("using peer DHT")
	}
	return nil
}

// serve runs every loop until ctx is cancelled or one of them fails.
func (s *swarmNode) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.httpServer != nil {
		g.Go(func() error {
			s.log.Info().Str("addr", s.httpLn.Addr().String()).Msg("starting HTTP server")
			if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return s.node.Run(gctx) })
	g.Go(func() error { return s.engine.Run(gctx) })
	g.Go(func() error {
		s.waitForRouting(gctx)
		return nil
	})
	g.Go(func() error {
		s.announce(gctx)
		return nil
	})
	if s.peerDHT != nil {
		g.Go(func() error {
			s.purgeLoop(gctx)
			return nil
		})
	}

	// Serve only returns once the HTTP server is shut down.
	g.Go(func() error {
		<-gctx.Done()
		return s.stopHTTP()
	})
	return g.Wait()
}

// announce publishes the local shard and the cluster metadata. With a
// load delay the shard is first announced unloaded.
func (s *swarmNode) announce(ctx context.Context) {
	if s.cfg.ExpectedShards > 0 {
		err := s.engine.PublishMetadata(ctx, types.ClusterMetadata{
			ModelName:   s.cfg.Model,
			TotalShards: s.cfg.ExpectedShards,
			TotalLayers: s.cfg.TotalLayers,
			Version:     version,
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to publish cluster metadata")
		}
	} else if meta, ok, err := s.engine.FetchMetadata(ctx); err == nil && ok {
		s.log.Info().Int("expected_shards", meta.TotalShards).Msg("learned pipeline length from cluster metadata")
	}

	loaded := s.cfg.LoadDelay.Duration <= 0
	if err := s.node.Announce(ctx, loaded); err != nil {
		s.log.Error().Err(err).Int("shard_id", s.cfg.ShardID).Msg("failed to announce shard")
		return
	}
	s.log.Info().Int("shard_id", s.cfg.ShardID).Bool("shard_loaded", loaded).Msg("announced shard")
	if loaded {
		return
	}

	select {
	case <-time.After(s.cfg.LoadDelay.Duration):
	case <-ctx.Done():
		return
	}
	if err := s.node.SetLoaded(ctx, true); err != nil {
		s.log.Error().Err(err).Msg("failed to announce loaded shard")
		return
	}
	s.log.Info().Int("shard_id", s.cfg.ShardID).Msg("shard loaded")
}

// waitForRouting signals the engine once any bootstrap peer answers a
// DHT lookup. A node without peers, or on redis, routes immediately.
func (s *swarmNode) waitForRouting(ctx context.Context) {
	if s.peerDHT == nil || len(s.cfg.Peers) == 0 {
		s.engine.MarkRoutingReady()
		return
	}

	ticker := time.NewTicker(peerProbeInterval)
	defer ticker.Stop()
	key := dht.MetadataKey(s.cfg.Cluster)
	for {
		for _, peer := range s.cfg.Peers {
			pctx, cancel := context.WithTimeout(ctx, peerProbeInterval)
			_, err := s.tr.FindRecords(pctx, peer, key)
			cancel()
			if err == nil {
				s.log.Info().Str("peer", peer).Msg("DHT routing ready")
				s.engine.MarkRoutingReady()
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// purgeLoop drops expired records from the local store.
func (s *swarmNode) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.peerDHT.Purge()
			if err != nil {
				s.log.Warn().Err(err).Msg("record purge failed")
			} else if n > 0 {
				keys, _ := s.store.Keys()
				s.log.Debug().Int("purged", n).Int("keys", len(keys)).Msg("purged expired records")
			}
		}
	}
}

// shutdown releases everything startNode opened. It returns 0 on success
// and 1 if any step failed.
func (s *swarmNode) shutdown() int {
	exitCode := 0

	// 1. Stop accepting new HTTP requests
	if err := s.stopHTTP(); err != nil {
		s.log.Error().Err(err).Msg("error shutting down HTTP server")
		exitCode = 1
	}

	// 2. Close the gRPC transport and release network resources
	s.log.Info().Msg("closing gRPC transport")
	if err := s.tr.Close(); err != nil {
		s.log.Error().Err(err).Msg("error closing gRPC transport")
		exitCode = 1
	}

	// 3. Close the DHT backend, flushing the record store
	s.log.Info().Msg("closing DHT")
	if err := s.records.Close(); err != nil {
		s.log.Error().Err(err).Msg("error closing DHT")
		exitCode = 1
	}

	if exitCode == 0 {
		s.log.Info().Msg("graceful shutdown completed successfully")
	} else {
		s.log.Warn().Msg("graceful shutdown completed with errors")
	}
	return exitCode
}

// stopHTTP shuts the HTTP server down once; later calls return the first result.
func (s *swarmNode) stopHTTP() error {
	s.httpOnce.Do(func() {
		if s.httpServer == nil {
			return
		}
		s.log.Info().Msg("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.httpErr = s.httpServer.Shutdown(ctx)
		// Serve may never have taken ownership of the listener
		s.httpLn.Close()
	})
	return s.httpErr
}

// closeAll releases whatever a failed startNode managed to open.
func (s *swarmNode) closeAll() {
	if s.httpLn != nil {
		s.httpLn.Close()
	}
	if s.records != nil {
		s.records.Close()
	}
	if s.tr != nil {
		s.tr.Close()
	}
}
