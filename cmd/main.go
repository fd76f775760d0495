// File: main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proxy-allocator/pkg/api"
	"proxy-allocator/pkg/catalog"
	"proxy-allocator/pkg/config"
	"proxy-allocator/pkg/connectivity"
	"proxy-allocator/pkg/database"
	"proxy-allocator/pkg/ipinfo"
	"proxy-allocator/pkg/models"
	"proxy-allocator/pkg/scheduler"
	"proxy-allocator/pkg/session"
	"proxy-allocator/pkg/tester"
)

var (
	debugFlag  bool
	configFile string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxy-allocator",
	Short: "Allocate proxies to sessions under a per-IP quota",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var addProxiesCmd = &cobra.Command{
	Use:   "add-proxies [file]",
	Short: "Import a YAML proxy catalog into the database",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		n, err := catalog.ImportFile(cmd.Context(), db, args[0], logger)
		if err != nil {
			logger.Error("Error adding proxies", "error", err)
			os.Exit(1)
		}
		logger.Info("Proxies added successfully", "count", n)
	},
}

var allocateCmd = &cobra.Command{
	Use:   "allocate [count]",
	Short: "Run a batch of sessions, one proxy each",
	Long: `Run a batch that allocates proxies until [count] sessions were opened or the
pool is exhausted. Without [count] the batch runs until exhaustion. Sessions are
only logged; use the serve command to hand allocations to a real driver.

SOCKS5 proxies always count as rotated, so a catalog containing one is never
exhausted unless allocator.max_cycles is set. Such a batch needs [count] or
max_cycles and is refused otherwise.`,
	Example: "allocate 50 --workers 4 --record",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit := 0
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				logger.Error("Invalid count value", "count", args[0])
				os.Exit(1)
			}
			limit = n
		}
		workers, _ := cmd.Flags().GetInt("workers")
		record, _ := cmd.Flags().GetBool("record")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		rt := mustRuntime(cmd.Context(), record)
		defer rt.Close()

		if unboundedBatch(rt.opts, rt.catalog, limit) {
			logger.Error("Batch would never end: SOCKS5 proxies always rotate; pass a count or set allocator.max_cycles")
			os.Exit(1)
		}

		s := rt.mustScheduler()
		var recorder session.Recorder
		if rt.db != nil {
			recorder = rt.db
		}

		summary, err := session.NewService(s, logDriver{}, recorder, logger).Run(cmd.Context(), session.Settings{
			Workers: workers,
			Limit:   limit,
		})
		if err != nil {
			logger.Error("Error running batch", "error", err)
			os.Exit(1)
		}

		if err := printStats(os.Stdout, s.Stats(), asYAML); err != nil {
			logger.Error("Error printing stats", "error", err)
		}
		logger.Info("Batch completed",
			"batch", summary.BatchID,
			"allocations", summary.Allocations,
			"driver_failures", summary.DriverFailures,
			"exhausted", summary.Exhausted)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe [label]",
	Short: "Print the current egress IP of one or all proxies",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rt := mustRuntime(cmd.Context(), false)
		defer rt.Close()

		prober := ipinfo.NewProber(rt.opts.ProbeTimeout, rt.opts.ProbeMaxEndpoints, logger)
		for _, p := range selectProxies(rt.catalog, args) {
			ip, err := prober.Probe(cmd.Context(), p)
			if err != nil {
				fmt.Printf("%s\tERROR\t%v\n", p.Label, err)
				continue
			}
			fmt.Printf("%s\t%s\n", p.Label, ip)
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [label]",
	Short: "Resolve a domain through SOCKS5 proxies and print a connectivity report",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resolver, _ := cmd.Flags().GetString("resolver")
		domain, _ := cmd.Flags().GetString("domain")

		rt := mustRuntime(cmd.Context(), false)
		defer rt.Close()

		for _, p := range selectProxies(rt.catalog, args) {
			if !p.IsSOCKS5() {
				logger.Debug("Skipping non-SOCKS5 proxy", "label", p.Label)
				continue
			}
			report, err := connectivity.Check(cmd.Context(), p, resolver, domain)
			if err != nil {
				logger.Error("Connectivity check failed", "label", p.Label, "error", err)
				continue
			}
			if err := printReport(os.Stdout, report); err != nil {
				logger.Error("Failed to write report", "label", p.Label, "error", err)
			}
		}
	},
}

var testLatencyCmd = &cobra.Command{
	Use:   "test-latency",
	Short: "Measure probe latency through every proxy for the fastest strategy",
	Run: func(cmd *cobra.Command, args []string) {
		workers, _ := cmd.Flags().GetInt("workers")

		rt := mustRuntime(cmd.Context(), false)
		defer rt.Close()

		var store tester.LatencyStore
		if rt.db != nil {
			store = rt.db
		}
		prober := ipinfo.NewProber(rt.opts.ProbeTimeout, rt.opts.ProbeMaxEndpoints, logger)
		results, measured := tester.New(prober, store, workers, logger).Run(cmd.Context(), rt.catalog)
		for _, r := range results {
			if r.Err != nil {
				fmt.Printf("%s\tERROR\t%v\n", r.Label, r.Err)
				continue
			}
			fmt.Printf("%s\t%s\t%dms\n", r.Label, r.IP, *r.LatencyMs)
		}
		if store == nil {
			filename := viper.GetString("catalog.file")
			if err := catalog.WriteLatencies(filename, measured); err != nil {
				logger.Error("Failed to save latencies", "file", filename, "error", err)
				os.Exit(1)
			}
			logger.Info("Latencies saved", "file", filename)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve allocations over HTTP",
	Run: func(cmd *cobra.Command, args []string) {
		record, _ := cmd.Flags().GetBool("record")

		rt := mustRuntime(cmd.Context(), record)
		defer rt.Close()

		var recorder api.Recorder
		if rt.db != nil {
			recorder = rt.db
		}
		server := &http.Server{
			Addr:              viper.GetString("api.listen"),
			Handler:           api.NewRouter(rt.mustScheduler(), recorder, viper.GetString("api.key"), logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			logger.Info("Listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Server failed", "error", err)
				stop()
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed", "error", err)
		}
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how the catalog is classified into regions",
	Run: func(cmd *cobra.Command, args []string) {
		asYAML, _ := cmd.Flags().GetBool("yaml")

		rt := mustRuntime(cmd.Context(), false)
		defer rt.Close()

		if err := printStats(os.Stdout, rt.mustScheduler().Stats(), asYAML); err != nil {
			logger.Error("Error printing stats", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: config.yaml in the search path)")

	allocateCmd.Flags().Int("workers", 1, "Concurrent sessions")
	allocateCmd.Flags().Bool("record", false, "Save allocations to the database")
	allocateCmd.Flags().Bool("yaml", false, "Print stats as YAML")
	checkCmd.Flags().String("resolver", "8.8.8.8", "DNS resolver reached through the proxy")
	checkCmd.Flags().String("domain", "example.com", "Domain to resolve")
	testLatencyCmd.Flags().Int("workers", tester.DefaultWorkers, "Concurrent probes")
	serveCmd.Flags().Bool("record", false, "Save allocations to the database")
	statsCmd.Flags().Bool("yaml", false, "Print stats as YAML")

	rootCmd.AddCommand(addProxiesCmd)
	rootCmd.AddCommand(allocateCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(testLatencyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Error reading .env file: %v\n", err)
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("../")
		viper.AddConfigPath("$HOME/.proxy-allocator")
		viper.AddConfigPath("/etc/proxy-allocator/")
	}
	viper.SetEnvPrefix("PROXYALLOC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("catalog.source", catalog.SourceFile)
	viper.SetDefault("catalog.file", "proxies.yaml")
	viper.SetDefault("api.listen", ":8080")
	viper.SetDefault("api.key", "")
	config.SetDefaults(viper.GetViper())
	database.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func initDB() (*database.DB, error) {
	db, err := database.NewDB(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return db, nil
}

// app bundles what every allocating command needs.
type app struct {
	opts    config.Options
	catalog []models.ProxyDescriptor
	db      *database.DB
}

// mustRuntime loads options and the catalog. The database is opened when it
// is the catalog source or when withDB is set.
func mustRuntime(ctx context.Context, withDB bool) *app {
	opts, err := config.Load(viper.GetViper(), logger)
	if err != nil {
		logger.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}
	rt := &app{opts: opts}

	source := viper.GetString("catalog.source")
	var store catalog.Store
	if withDB || source == catalog.SourceDatabase {
		if rt.db, err = initDB(); err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		store = rt.db
	}

	rt.catalog, err = catalog.Load(ctx, source, viper.GetString("catalog.file"), store)
	if err != nil {
		rt.Close()
		logger.Error("Error loading catalog", "error", err)
		os.Exit(1)
	}
	logger.Debug("Catalog loaded", "source", source, "proxies", len(rt.catalog))
	return rt
}

func (rt *app) mustScheduler() scheduler.Scheduler {
	prober := ipinfo.NewProber(rt.opts.ProbeTimeout, rt.opts.ProbeMaxEndpoints, logger,
		ipinfo.WithSkip(rt.opts.SkipIPCheck))
	s, err := scheduler.New(rt.opts, rt.catalog, prober, logger)
	if err != nil {
		rt.Close()
		logger.Error("Error initializing scheduler", "error", err)
		os.Exit(1)
	}
	return s
}

func (rt *app) Close() {
	if rt.db != nil {
		rt.db.Close()
	}
}

func selectProxies(all []models.ProxyDescriptor, args []string) []models.ProxyDescriptor {
	if len(args) == 0 {
		return all
	}
	for _, p := range all {
		if p.Label == args[0] {
			return []models.ProxyDescriptor{p}
		}
	}
	logger.Error("Unknown proxy label", "label", args[0])
	os.Exit(1)
	return nil
}

// logDriver stands in for a browser driver when running batches from the CLI.
type logDriver struct{}

func (logDriver) OpenSession(_ context.Context, a *models.Allocation) error {
	logger.Info("Session opened",
		"label", a.Label,
		"ip", a.IP,
		"region", a.Region,
		"cycle", a.Cycle)
	return nil
}

// unboundedBatch reports whether a batch without a count could run forever.
func unboundedBatch(opts config.Options, proxies []models.ProxyDescriptor, limit int) bool {
	if limit > 0 || opts.MaxCycles > 0 {
		return false
	}
	for _, p := range proxies {
		if p.IsSOCKS5() {
			return true
		}
	}
	return false
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
