// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// inkdex is the command line entry point for the inkdex peers and the
// small operator tools around them.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkdex.io/inkdex/hub"
	"inkdex.io/inkdex/jobq/redisq"
	"inkdex.io/inkdex/private/cfgstruct"
	"inkdex.io/inkdex/private/fpath"
	"inkdex.io/inkdex/private/process"
	"inkdex.io/inkdex/searchindex/elasticindex"
	"inkdex.io/inkdex/styles"
	"inkdex.io/inkdex/webapi"
	"inkdex.io/inkdex/webapi/rediskeys"
)

var (
	rootCmd = &cobra.Command{
		Use:   "inkdex",
		Short: "Inkdex tattoo artist discovery",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the core, api and worker in one process",
		RunE:  cmdRun,
	}
	runCoreCmd = &cobra.Command{
		Use:   "core",
		Short: "Run the crawl pipeline peer",
		RunE:  cmdRunCore,
	}
	runAPICmd = &cobra.Command{
		Use:   "api",
		Short: "Run the http api peer",
		RunE:  cmdRunAPI,
	}
	runWorkerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a scrape worker peer",
		RunE:  cmdRunWorker,
	}
	dlqCmd = &cobra.Command{
		Use:   "dlq",
		Short: "List dead lettered scrape jobs",
		RunE:  cmdDLQ,
	}
	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "List recent crawl run reports",
		RunE:  cmdRuns,
	}

	runCfg    hub.Config
	setupCfg  hub.Config
	coreCfg   hub.Config
	apiCfg    hub.Config
	workerCfg hub.Config

	dlqCfg struct {
		Queue hub.QueueConfig
		Limit int `help:"most dead letters listed" default:"50"`
	}
	runsCfg struct {
		Catalog hub.CatalogConfig
		Limit   int `help:"most run reports listed" default:"20"`
	}

	confDir string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("inkdex")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for inkdex configuration")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(runsCmd)
	runCmd.AddCommand(runCoreCmd)
	runCmd.AddCommand(runAPICmd)
	runCmd.AddCommand(runWorkerCmd)

	process.Bind(runCmd, &runCfg, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, cfgstruct.ConfDir(confDir))
	process.Bind(runCoreCmd, &coreCfg, cfgstruct.ConfDir(confDir))
	process.Bind(runAPICmd, &apiCfg, cfgstruct.ConfDir(confDir))
	process.Bind(runWorkerCmd, &workerCfg, cfgstruct.ConfDir(confDir))
	process.Bind(dlqCmd, &dlqCfg, cfgstruct.ConfDir(confDir))
	process.Bind(runsCmd, &runsCfg, cfgstruct.ConfDir(confDir))
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, err := fpath.IsValidSetupDir(setupDir)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("inkdex configuration already exists (%v)", setupDir)
	}

	if err := os.MkdirAll(setupDir, 0o700); err != nil {
		return err
	}

	overrides := map[string]interface{}{
		"catalog.path": filepath.Join(setupDir, "catalog.db"),
	}
	return process.SaveConfig(cmd, filepath.Join(setupDir, process.DefaultCfgFilename),
		process.SaveConfigWithOverrides(overrides))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()
	log := zap.L()

	registry := styles.NewRegistry()

	db, err := hub.OpenDB(log.Named("db"), registry, runCfg.Catalog)
	if err != nil {
		return errs.New("error opening catalog database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	queue, err := redisq.Open(ctx, log.Named("queue"), runCfg.Queue.Config)
	if err != nil {
		return errs.New("error connecting to the job queue: %+v", err)
	}
	defer func() { err = errs.Combine(err, queue.Close()) }()

	index, err := openIndex(ctx, log, runCfg)
	if err != nil {
		return err
	}

	keys, err := openKeyStore(ctx, runCfg)
	if err != nil {
		return errs.New("error connecting to the idempotency store: %+v", err)
	}
	defer func() { err = errs.Combine(err, keys.Close()) }()

	core, err := hub.NewCore(log.Named("core"), db, queue, index, registry, runCfg)
	if err != nil {
		return err
	}

	// a disabled orchestrator leaves the field nil; assigning the nil
	// pointer into the interface directly would make it non-nil
	var runs webapi.RunTrigger
	if core.Orchestrator.Service != nil {
		runs = core.Orchestrator.Service
	}

	api, err := hub.NewAPI(log.Named("api"), db, queue, index, keys,
		runs, core.Takedown.Chore, registry, runCfg)
	if err != nil {
		return errs.Combine(err, core.Close())
	}

	worker, err := hub.NewWorker(log.Named("worker"), db, queue, registry, runCfg)
	if err != nil {
		return errs.Combine(err, api.Close(), core.Close())
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return core.Run(groupCtx) })
	group.Go(func() error { return api.Run(groupCtx) })
	group.Go(func() error { return worker.Run(groupCtx) })

	runError := group.Wait()
	closeError := errs.Combine(worker.Close(), api.Close(), core.Close())
	return errs.Combine(runError, closeError)
}

func cmdRunCore(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()
	log := zap.L()

	registry := styles.NewRegistry()

	db, err := hub.OpenDB(log.Named("db"), registry, coreCfg.Catalog)
	if err != nil {
		return errs.New("error opening catalog database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	queue, err := redisq.Open(ctx, log.Named("queue"), coreCfg.Queue.Config)
	if err != nil {
		return errs.New("error connecting to the job queue: %+v", err)
	}
	defer func() { err = errs.Combine(err, queue.Close()) }()

	index, err := openIndex(ctx, log, coreCfg)
	if err != nil {
		return err
	}

	peer, err := hub.NewCore(log, db, queue, index, registry, coreCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdRunAPI(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()
	log := zap.L()

	registry := styles.NewRegistry()

	db, err := hub.OpenDB(log.Named("db"), registry, apiCfg.Catalog)
	if err != nil {
		return errs.New("error opening catalog database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	queue, err := redisq.Open(ctx, log.Named("queue"), apiCfg.Queue.Config)
	if err != nil {
		return errs.New("error connecting to the job queue: %+v", err)
	}
	defer func() { err = errs.Combine(err, queue.Close()) }()

	index, err := openIndex(ctx, log, apiCfg)
	if err != nil {
		return err
	}

	keys, err := openKeyStore(ctx, apiCfg)
	if err != nil {
		return errs.New("error connecting to the idempotency store: %+v", err)
	}
	defer func() { err = errs.Combine(err, keys.Close()) }()

	// run triggering and takedown sweeps live in the core peer
	peer, err := hub.NewAPI(log, db, queue, index, keys, nil, nil, registry, apiCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdRunWorker(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()
	log := zap.L()

	registry := styles.NewRegistry()

	db, err := hub.OpenDB(log.Named("db"), registry, workerCfg.Catalog)
	if err != nil {
		return errs.New("error opening catalog database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	queue, err := redisq.Open(ctx, log.Named("queue"), workerCfg.Queue.Config)
	if err != nil {
		return errs.New("error connecting to the job queue: %+v", err)
	}
	defer func() { err = errs.Combine(err, queue.Close()) }()

	peer, err := hub.NewWorker(log, db, queue, registry, workerCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdDLQ(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	queue, err := redisq.Open(ctx, zap.L().Named("queue"), dlqCfg.Queue.Config)
	if err != nil {
		return errs.New("error connecting to the job queue: %+v", err)
	}
	defer func() { err = errs.Combine(err, queue.Close()) }()

	entries, err := queue.DeadLetters(ctx, dlqCfg.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DIED AT\tRUN\tARTIST\tATTEMPTS\tREASON\tURL")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			entry.DiedAt.Format(time.RFC3339),
			entry.Job.ScrapeRunID,
			entry.Job.ArtistID,
			entry.Attempts,
			entry.Reason,
			entry.Job.TargetURL)
	}
	return w.Flush()
}

func cmdRuns(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	registry := styles.NewRegistry()

	db, err := hub.OpenDB(zap.L().Named("db"), registry, runsCfg.Catalog)
	if err != nil {
		return errs.New("error opening catalog database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	reports, err := db.Catalog().ListRunReports(ctx, runsCfg.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tOUTCOME\tSTUDIOS\tQUEUED\tPUBLISHED\tEMPTY\tDEAD")
	for _, report := range reports {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			report.ScrapeRunID,
			report.StartedAt.Format(time.RFC3339),
			report.Outcome,
			report.Studios,
			report.ArtistsQueued,
			report.Succeeded,
			report.Empty,
			report.DeadLettered)
	}
	return w.Flush()
}

// openIndex connects to elasticsearch and makes sure the artist index
// exists with the expected mapping.
func openIndex(ctx context.Context, log *zap.Logger, config hub.Config) (*elasticindex.Client, error) {
	index, err := elasticindex.New(log.Named("index"), config.Index)
	if err != nil {
		return nil, errs.New("error connecting to the search index: %+v", err)
	}
	if err := index.EnsureSchema(ctx); err != nil {
		return nil, errs.New("error ensuring the index schema: %+v", err)
	}
	return index, nil
}

// openKeyStore connects the takedown idempotency store, reusing the
// queue redis when no separate address is configured.
func openKeyStore(ctx context.Context, config hub.Config) (*rediskeys.Store, error) {
	address, password := config.API.Idempotency.Address, config.API.Idempotency.Password
	if address == "" {
		address, password = config.Queue.Address, config.Queue.Password
	}
	return rediskeys.Open(ctx, address, password, config.API.Idempotency.DB, config.API.IdempotencyTTL)
}

func main() {
	process.Exec(rootCmd)
}
