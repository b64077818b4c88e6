package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mdverse/mdverse-harvest/internal/config"
	"github.com/mdverse/mdverse-harvest/internal/fetcher"
	"github.com/mdverse/mdverse-harvest/internal/harvest"
	"github.com/mdverse/mdverse-harvest/internal/model"
	"github.com/mdverse/mdverse-harvest/internal/monitoring"
	"github.com/mdverse/mdverse-harvest/internal/paginate"
	"github.com/mdverse/mdverse-harvest/internal/resilience"
	"github.com/mdverse/mdverse-harvest/internal/snapshot"
	"github.com/mdverse/mdverse-harvest/internal/source/nomad"
	"github.com/mdverse/mdverse-harvest/internal/source/zenodo"
)

// debugItems caps every listing to a single small page in --debug mode.
const debugItems = 10

var harvestCmd = &cobra.Command{
	Use:       "harvest <zenodo|nomad>",
	Short:     "Harvest one repository into a dated snapshot",
	Long:      "Lists every molecular dynamics dataset the repository exposes for the query, enriches it with file metadata, filters false positives and writes datasets, files and rejections under <output-dir>/<source>/<date>/.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"zenodo", "nomad"},
	RunE:      runHarvest,
}

func init() {
	harvestCmd.Flags().String("output-dir", "", "root directory for snapshots (created if absent)")
	harvestCmd.Flags().String("query-file", "", "YAML query file (required for zenodo)")
	harvestCmd.Flags().Bool("debug", false, "fetch a single page of 10 items per query")
	_ = harvestCmd.MarkFlagRequired("output-dir")

	rootCmd.AddCommand(harvestCmd)
}

func runHarvest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, ok := model.ParseRepository(args[0])
	if !ok {
		return eris.Errorf("unknown source %q (want zenodo or nomad)", args[0])
	}
	if err := cfg.Validate(repo.String()); err != nil {
		return err
	}

	outputDir, _ := cmd.Flags().GetString("output-dir")
	queryFile, _ := cmd.Flags().GetString("query-file")
	debug, _ := cmd.Flags().GetBool("debug")

	query, err := loadHarvestQuery(repo, queryFile)
	if err != nil {
		return err
	}

	now := time.Now()
	layout := snapshot.NewLayout(outputDir, repo.String(), now)
	if err := os.MkdirAll(layout.Dir, 0o755); err != nil {
		return eris.Wrapf(err, "create output directory %s", layout.Dir)
	}
	logCfg := cfg.Log
	logCfg.File = layout.Log()
	if err := config.InitLogger(logCfg); err != nil {
		return eris.Wrap(err, "init run log")
	}

	ledger, err := openLedger(ctx)
	if err != nil {
		return err
	}
	opts := harvestOptions(cfg, repo, query, outputDir, debug)
	if ledger != nil {
		defer ledger.Close() //nolint:errcheck
		opts.Ledger = ledger
	}

	zap.L().Info("harvest starting",
		zap.String("source", repo.String()),
		zap.String("snapshot_dir", layout.Dir),
		zap.Bool("debug", debug),
		zap.Int("page_size", opts.PageSize),
		zap.Int("max_items_per_query", opts.Walker.MaxItems()),
	)

	summary, err := harvest.NewSession(opts).Run(ctx)
	if ledger != nil && ctx.Err() == nil {
		checkHealth(ctx, ledger)
	}
	if err != nil {
		return err
	}

	zap.L().Info("harvest complete",
		zap.String("datasets", summary.DatasetsPath),
		zap.String("files", summary.FilesPath),
		zap.String("datasets_kept", humanize.Comma(int64(summary.DatasetsKept))),
		zap.String("files_kept", humanize.Comma(int64(summary.FilesKept))),
	)
	return nil
}

// loadHarvestQuery reads the query file. NOMAD lists by workflow and runs
// with an empty query when none is given.
func loadHarvestQuery(repo model.Repository, path string) (*config.Query, error) {
	if path == "" {
		if repo == model.RepositoryZenodo {
			return nil, eris.New("--query-file is required for zenodo")
		}
		return &config.Query{}, nil
	}
	return config.LoadQuery(path)
}

// harvestOptions assembles the fetch stack and source adapter from config.
func harvestOptions(c *config.Config, repo model.Repository, query *config.Query, outputDir string, debug bool) harvest.Options {
	var throttle *fetcher.AdaptiveLimiter
	if c.Harvest.RequestsPerSecond > 0 {
		throttle = fetcher.NewAdaptiveLimiter(c.Harvest.RequestsPerSecond, c.Harvest.Concurrency)
	}

	requester := newRequester(c, throttle)
	politeness := time.Duration(c.Harvest.PolitenessDelayMs) * time.Millisecond
	pool := fetcher.NewPool(fetcher.PoolOptions{
		Limit:      c.Harvest.Concurrency,
		Politeness: politeness,
		Throttle:   throttle,
	})

	pageSize, maxItems := c.Harvest.PageSize, c.Harvest.MaxItemsPerQuery
	if debug {
		pageSize, maxItems = debugItems, debugItems
	}

	return harvest.Options{
		Source:    newSource(c, repo, requester, pool),
		Query:     query,
		Walker:    paginate.NewWalker(pool, maxItems),
		PageSize:  pageSize,
		OutputDir: outputDir,
		Writer:    snapshot.NewWriter(),

		Concurrency:     c.Harvest.Concurrency,
		PolitenessDelay: politeness,
		MaxAttempts:     c.Retry.MaxAttempts,
	}
}

func newRequester(c *config.Config, throttle *fetcher.AdaptiveLimiter) *fetcher.Requester {
	opts := fetcher.Options{
		UserAgent:   c.HTTP.UserAgent,
		Timeout:     time.Duration(c.Harvest.TimeoutSecs) * time.Second,
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff: resilience.BackoffFromConfig(
			c.Retry.Strategy,
			c.Retry.BaseDelayMs,
			c.Retry.IncrementMs,
			c.Retry.MaxBackoffMs,
			c.Retry.Multiplier,
			c.Retry.Jitter,
		),
		Policy:   resilience.PolicyByName(c.Retry.Policy),
		Throttle: throttle,
	}
	if c.Circuit.Enabled {
		opts.Breakers = resilience.NewHostBreakers(
			resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs),
		)
	}
	return fetcher.NewRequester(opts)
}

// checkHealth evaluates recent runs, this one included, and delivers alerts.
func checkHealth(ctx context.Context, runs monitoring.RunLister) {
	checker := monitoring.NewChecker(
		monitoring.NewCollector(runs),
		monitoring.NewAlerter(cfg.Monitoring, newRequester(cfg, nil)),
		cfg.Monitoring,
	)
	checker.Check(ctx)
}

func newSource(c *config.Config, repo model.Repository, client fetcher.Client, pool *fetcher.Pool) harvest.Source {
	if repo == model.RepositoryNomad {
		return nomad.New(client, pool, c.Nomad.BaseURL)
	}
	return zenodo.New(client, pool, c.Zenodo.BaseURL, c.Zenodo.Token)
}
