package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/cybersyn/pkg/algedonic"
	"github.com/cuemby/cybersyn/pkg/clock"
	"github.com/cuemby/cybersyn/pkg/cyberr"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/eventstore"
	"github.com/cuemby/cybersyn/pkg/external"
	"github.com/cuemby/cybersyn/pkg/fusion"
	"github.com/cuemby/cybersyn/pkg/health"
	"github.com/cuemby/cybersyn/pkg/hnsw"
	"github.com/cuemby/cybersyn/pkg/log"
	"github.com/cuemby/cybersyn/pkg/metrics"
	"github.com/cuemby/cybersyn/pkg/pattern"
	"github.com/cuemby/cybersyn/pkg/registry"
	"github.com/cuemby/cybersyn/pkg/storage"
	"github.com/cuemby/cybersyn/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	return exitCode(err)
}

// exitCode maps a returned error's cyberr.Kind to the process exit code
// named in the CLI surface: 0 success, 2 invalid configuration, 3
// transient failure, 4 unrecoverable corruption.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch cyberr.KindOf(err) {
	case cyberr.InvalidInput:
		return 2
	case cyberr.Transient, cyberr.ResourcePressure:
		return 3
	case cyberr.CorruptedState:
		return 4
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:     "cybersyn",
	Short:   "Cybersyn - a cybernetics-inspired event processing fabric",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cybersyn version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("persist-path", envOr("PERSIST_PATH", "./data"), "Data directory for HNSW index and BoltDB store")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dumpIndexCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// config collects the environment-driven knobs named in the external
// interfaces surface.
type config struct {
	PersistPath          string
	PersistIntervalMS    int
	PruneMaxAgeMS        int
	MaxPatterns          int
	HNSWParams           hnsw.Params
	AMQPEnabled          bool
	AMQPAddr             string
	EnricherURL          string
	VarietyPressureLimit float64
	ConfidenceThreshold  float64
}

func loadConfig(cmd *cobra.Command) config {
	persistPath, _ := cmd.Flags().GetString("persist-path")
	params := hnsw.DefaultParams()
	params.M = envOrInt("HNSW_M", params.M)
	params.Ef = envOrInt("HNSW_EF", params.Ef)
	return config{
		PersistPath:          persistPath,
		PersistIntervalMS:    envOrInt("PERSIST_INTERVAL_MS", 60000),
		PruneMaxAgeMS:        envOrInt("PRUNE_MAX_AGE_MS", 24*3600*1000),
		MaxPatterns:          envOrInt("MAX_PATTERNS", 10000),
		HNSWParams:           params,
		AMQPEnabled:          os.Getenv("AMQP_ENABLED") == "true",
		AMQPAddr:             envOr("AMQP_ADDR", "localhost:5672"),
		EnricherURL:          envOr("ENRICHER_URL", ""),
		VarietyPressureLimit: 0.8,
		ConfidenceThreshold:  0.5,
	}
}

func indexPath(cfg config) string {
	return cfg.PersistPath + "/index"
}

func loadOrCreateIndex(cfg config) (*hnsw.Index, error) {
	if _, err := os.Stat(indexPath(cfg)); err == nil {
		idx, err := hnsw.Load(indexPath(cfg))
		if err != nil {
			return nil, cyberr.Wrap(cyberr.CorruptedState, "failed to load HNSW index", err)
		}
		return idx, nil
	}
	return hnsw.New(cfg.HNSWParams), nil
}

// fabric bundles every owner the run command starts and must cleanly stop.
type fabric struct {
	clk      *clock.Clock
	bus      *eventbus.Bus
	store    *eventstore.Store
	index    *hnsw.Index
	channel  *algedonic.Channel
	reg      *registry.Registry
	engine   *fusion.Engine
	monitor  *health.Monitor
	boltDB   *storage.BoltStore
	router   *external.Router
	enricher *external.Enricher
	httpSrv  *http.Server
}

// componentNames lists the health monitor's critical components, matching
// pkg/metrics's readiness check.
var componentNames = []string{"eventbus", "eventstore", "hnsw", "registry"}

func buildFabric(cfg config) (*fabric, error) {
	if err := os.MkdirAll(cfg.PersistPath, 0755); err != nil {
		return nil, cyberr.Wrap(cyberr.InvalidInput, "failed to create persist path", err)
	}

	clk := clock.New("cybersyn-node-1")
	bus := eventbus.New(clk)
	store := eventstore.New(24*time.Hour, cfg.MaxPatterns)
	store.Attach(bus)
	store.StartRetentionSweep(5 * time.Minute)

	idx, loadErr := loadOrCreateIndex(cfg)
	if loadErr != nil {
		log.Logger.Warn().Err(loadErr).Msg("HNSW snapshot unreadable; starting with a fresh index")
		idx = hnsw.New(cfg.HNSWParams)
	}

	channel := algedonic.New(5 * time.Second)
	channel.Start()
	if loadErr != nil {
		channel.Emit(algedonic.Signal{Valence: -0.9, Intensity: 0.9, Source: "hnsw", Kind: "corrupted_state", Subsystem: "hnsw", Urgency: 5})
	}

	boltDB, err := storage.NewBoltStore(cfg.PersistPath)
	if err != nil {
		return nil, cyberr.Wrap(cyberr.Transient, "failed to open storage", err)
	}

	reg := registry.New(bus, channel, nil)
	if err := loadPersistedPatterns(reg, boltDB); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to reload persisted patterns")
	}

	engine := fusion.New(bus, clk, nil, nil)
	engine.Start()

	monitor := health.NewMonitor(bus)

	var router *external.Router
	if cfg.AMQPEnabled {
		router = external.New(nil, bus)
	}
	enricher := external.NewEnricher(nil)

	mux := telemetry.NewRouter(reg, idx)
	httpSrv := &http.Server{Addr: "127.0.0.1:9090", Handler: mux}

	return &fabric{
		clk: clk, bus: bus, store: store, index: idx, channel: channel,
		reg: reg, engine: engine, monitor: monitor, boltDB: boltDB,
		router: router, enricher: enricher, httpSrv: httpSrv,
	}, nil
}

func loadPersistedPatterns(reg *registry.Registry, store *storage.BoltStore) error {
	recs, err := store.ListPatterns()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	specs := make(map[string]pattern.Spec, len(recs))
	severities := make(map[string]registry.Severity, len(recs))
	mappings := make(map[string]*registry.AlgedonicMapping, len(recs))
	for _, rec := range recs {
		specs[rec.Name] = rec.Spec
		severities[rec.Name] = registry.ParseSeverity(rec.Severity)
		if rec.Mapping != nil {
			mappings[rec.Name] = &registry.AlgedonicMapping{
				PainLevel:       rec.Mapping.PainLevel,
				Urgency:         rec.Mapping.Urgency,
				BypassHierarchy: rec.Mapping.BypassHierarchy,
				Target:          algedonic.Target(rec.Mapping.Target),
			}
		}
	}
	return reg.LoadDomain(specs, severities, mappings)
}

func (f *fabric) reportHealthLoop(cfg config, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var checkers []health.Checker
	if cfg.EnricherURL != "" {
		checkers = append(checkers, health.NewHTTPChecker(cfg.EnricherURL))
	}
	if cfg.AMQPEnabled && cfg.AMQPAddr != "" {
		checkers = append(checkers, health.NewTCPChecker(cfg.AMQPAddr))
	}

	for {
		select {
		case <-ticker.C:
			for _, c := range componentNames {
				f.monitor.Report(c, health.Result{Healthy: true, CheckedAt: time.Now()}, health.DefaultConfig())
				metrics.RegisterComponent(c, true, "ok")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for _, c := range checkers {
				name := "external." + string(c.Type())
				result := c.Check(ctx)
				f.monitor.Report(name, result, health.DefaultConfig())
				metrics.RegisterComponent(name, result.Healthy, result.Message)
			}
			cancel()
		case <-stop:
			return
		}
	}
}

// varietyPressureLoop watches node_count / max_patterns and triggers
// emergency pruning plus a resource-pressure pain signal on breach.
func (f *fabric) varietyPressureLoop(cfg config, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pressure := f.index.VarietyPressure(cfg.MaxPatterns)
			if pressure <= cfg.VarietyPressureLimit {
				continue
			}
			removed := f.index.EmergencyPrune(cfg.MaxPatterns, cfg.VarietyPressureLimit, cfg.ConfidenceThreshold)
			log.Logger.Warn().Float64("pressure", pressure).Int("removed", removed).Msg("variety pressure breach; emergency pruned")
			f.channel.Emit(algedonic.Signal{
				Valence:   -0.5,
				Intensity: 0.5,
				Source:    "hnsw",
				Kind:      "variety_pressure",
				Subsystem: "hnsw",
				Urgency:   3,
			})
		case <-stop:
			return
		}
	}
}

func (f *fabric) persistLoop(cfg config, stop <-chan struct{}) {
	interval := time.Duration(cfg.PersistIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.index.Save(indexPath(cfg)); err != nil {
				log.Logger.Error().Err(err).Msg("index persist failed")
				continue
			}
			rate := f.index.InsertionRatePerMinute()
			next := hnsw.AdaptiveSaveInterval(rate)
			ticker.Reset(next)
		case <-stop:
			return
		}
	}
}

func (f *fabric) shutdown(cfg config) {
	f.engine.Stop()
	f.channel.Stop()
	f.store.Stop()
	if err := f.index.Save(indexPath(cfg)); err != nil {
		log.Logger.Error().Err(err).Msg("final index save failed")
	}
	f.boltDB.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.httpSrv.Shutdown(ctx)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the event processing fabric",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		f, err := buildFabric(cfg)
		if err != nil {
			return err
		}

		metrics.SetVersion(Version)
		for _, c := range componentNames {
			metrics.RegisterComponent(c, true, "ready")
		}

		stop := make(chan struct{})
		go f.reportHealthLoop(cfg, stop)
		go f.persistLoop(cfg, stop)
		go f.varietyPressureLoop(cfg, stop)

		go func() {
			if err := f.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("telemetry server error")
			}
		}()
		fmt.Printf("cybersyn fabric running, telemetry on http://%s\n", f.httpSrv.Addr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		close(stop)
		f.shutdown(cfg)
		fmt.Println("shutdown complete")
		return nil
	},
}

var dumpIndexCmd = &cobra.Command{
	Use:   "dump-index <path>",
	Short: "Print HNSW index summary statistics from a persisted snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := hnsw.Load(args[0])
		if err != nil {
			return cyberr.Wrap(cyberr.CorruptedState, "failed to load index", err)
		}
		return printJSON(map[string]any{
			"node_count":               idx.NodeCount(),
			"insertion_rate_per_minute": idx.InsertionRatePerMinute(),
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune HNSW nodes older than --max-age",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		maxAge, _ := cmd.Flags().GetDuration("max-age")
		if maxAge <= 0 {
			maxAge = time.Duration(cfg.PruneMaxAgeMS) * time.Millisecond
		}
		idx, err := loadOrCreateIndex(cfg)
		if err != nil {
			return err
		}
		pruned := idx.PruneByAge(maxAge)
		if err := idx.Save(indexPath(cfg)); err != nil {
			return cyberr.Wrap(cyberr.Transient, "failed to save pruned index", err)
		}
		fmt.Printf("pruned %d nodes older than %s\n", pruned, maxAge)
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the HNSW index, removing orphan nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		idx, err := loadOrCreateIndex(cfg)
		if err != nil {
			return err
		}
		stats := idx.Compact()
		if err := idx.Save(indexPath(cfg)); err != nil {
			return cyberr.Wrap(cyberr.Transient, "failed to save compacted index", err)
		}
		return printJSON(stats)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print persisted pattern, replica, and index counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		idx, err := loadOrCreateIndex(cfg)
		if err != nil {
			return err
		}
		boltDB, err := storage.NewBoltStore(cfg.PersistPath)
		if err != nil {
			return cyberr.Wrap(cyberr.Transient, "failed to open storage", err)
		}
		defer boltDB.Close()

		patterns, _ := boltDB.ListPatterns()
		replicas, _ := boltDB.ListReplicaIDs()
		signals, _ := boltDB.RecentSignals(10)

		return printJSON(map[string]any{
			"hnsw_node_count":     idx.NodeCount(),
			"hnsw_insertion_rate": idx.InsertionRatePerMinute(),
			"pattern_count":       len(patterns),
			"replica_count":       len(replicas),
			"recent_signals":      len(signals),
		})
	},
}

func init() {
	pruneCmd.Flags().Duration("max-age", 0, "Maximum node age to retain (defaults to PRUNE_MAX_AGE_MS)")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
