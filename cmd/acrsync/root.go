package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	// crypto libraries included for go-digest
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/acrsync/acrsync/internal/filter"
	"github.com/acrsync/acrsync/internal/throttle"
	"github.com/acrsync/acrsync/internal/version"
	"github.com/acrsync/acrsync/pipeline"
	"github.com/acrsync/acrsync/pkg/template"
	"github.com/acrsync/acrsync/regapi"
	"github.com/acrsync/acrsync/transfer"
	"github.com/acrsync/acrsync/types"
)

const usageDesc = `Utility for mirroring repositories between Azure container registries
More details at https://github.com/acrsync/acrsync`

type rootCmd struct {
	confFile  string
	verbosity string
	logopts   []string
	format    string // for Go template formatting of various commands
	// step overrides for once and check
	source     string
	target     string
	repository string
	letters    string
	ignore     []string
	ignoreConf string
	maxRepos   int
	delay      time.Duration
	force      bool
	// pipeline command options
	registry     string
	pipelineID   string
	container    string
	sasToken     string
	prefix       string
	ignoreTags   string
	batchSize    int
	exportConc   int
	importConc   int
	pollInterval time.Duration
	dryRun       bool
}

// TODO: remove globals, configure tests with t.Parallel
var (
	conf      *Config
	log       *logrus.Logger
	rapi      *regapi.Client
	throttleC *throttle.Throttle
)

func init() {
	log = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
}

func NewRootCmd() *cobra.Command {
	rootOpts := rootCmd{}
	var rootTopCmd = &cobra.Command{
		Use:           "acrsync <cmd>",
		Short:         "Utility for mirroring repositories between Azure container registries",
		Long:          usageDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var serverCmd = &cobra.Command{
		Use:   "server",
		Short: "run the acrsync server",
		Long:  `Run the transfer steps from the configuration on their schedule.`,
		Args:  cobra.RangeArgs(0, 0),
		RunE:  rootOpts.runServer,
	}
	var checkCmd = &cobra.Command{
		Use:   "check",
		Short: "processes each transfer step once but skip the imports",
		Long: `Processes each transfer step in the configuration file in order.
Tags are compared to see which imports are needed, but only report, skip
importing. No jobs are run in parallel, and the command returns after any
error or the last step is finished.`,
		Args: cobra.RangeArgs(0, 0),
		RunE: rootOpts.runCheck,
	}
	var onceCmd = &cobra.Command{
		Use:   "once",
		Short: "processes each transfer step once, ignoring cron schedule",
		Long: `Processes each transfer step in the configuration file in order.
The command returns after any error or the last step is finished.`,
		Args: cobra.RangeArgs(0, 0),
		RunE: rootOpts.runOnce,
	}

	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Show the config",
		Long:  `Show the config`,
		Args:  cobra.RangeArgs(0, 0),
		RunE:  rootOpts.runConfig,
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show the version",
		Long:  `Show the version`,
		Args:  cobra.RangeArgs(0, 0),
		RunE:  rootOpts.runVersion,
	}

	var pipelineCmd = &cobra.Command{
		Use:   "pipeline",
		Short: "bulk export and import through transfer pipelines",
		Long: `Drive transfer pipelines for air gapped migrations. Export batches the
registry inventory into pipeline runs writing storage blobs, import creates
one pipeline run per blob in the staging container.`,
	}
	var pipelineExportCmd = &cobra.Command{
		Use:   "export",
		Short: "batch registry artifacts through an export pipeline",
		Long: `Inventories the registry and creates export pipeline runs in batches.
Runs that already exist are skipped unless they failed or were canceled.`,
		Args: cobra.RangeArgs(0, 0),
		RunE: rootOpts.runPipelineExport,
	}
	var pipelineImportCmd = &cobra.Command{
		Use:   "import",
		Short: "import staged blobs through an import pipeline",
		Long: `Lists the blobs in the staging container and creates one import
pipeline run per blob. Runs that already exist are skipped unless they failed
or were canceled.`,
		Args: cobra.RangeArgs(0, 0),
		RunE: rootOpts.runPipelineImport,
	}

	rootTopCmd.PersistentFlags().StringVarP(&rootOpts.confFile, "config", "c", "", "Config file")
	rootTopCmd.PersistentFlags().StringVarP(&rootOpts.verbosity, "verbosity", "v", logrus.InfoLevel.String(), "Log level (debug, info, warn, error, fatal, panic)")
	rootTopCmd.PersistentFlags().StringArrayVar(&rootOpts.logopts, "logopt", []string{}, "Log options")
	versionCmd.Flags().StringVar(&rootOpts.format, "format", "{{printPretty .}}", "Format output with go template syntax")

	for _, cmd := range []*cobra.Command{onceCmd, checkCmd} {
		cmd.Flags().StringVar(&rootOpts.source, "source", "", "Source registry, overrides the configured steps")
		cmd.Flags().StringVar(&rootOpts.target, "target", "", "Target registry, overrides the configured steps")
		cmd.Flags().StringVar(&rootOpts.repository, "repository", "", "Sync a single repository, bypassing the catalog and filters")
		cmd.Flags().StringVar(&rootOpts.letters, "letters", "", "Only sync repositories starting with these letters, e.g. a-c,e")
		cmd.Flags().StringArrayVar(&rootOpts.ignore, "ignore-pattern", []string{}, "Skip repositories matching the glob or re: pattern")
		cmd.Flags().StringVar(&rootOpts.ignoreConf, "ignore-config", "", "JSON file with repository ignore patterns")
		cmd.Flags().IntVar(&rootOpts.maxRepos, "max-repositories", 0, "Cap the number of repositories to sync")
		cmd.Flags().DurationVar(&rootOpts.delay, "delay", 0, "Delay between tag imports within a repository")
		cmd.Flags().BoolVar(&rootOpts.force, "force", false, "Import every tag regardless of the target state")
		cmd.Flags().StringVar(&rootOpts.format, "format", "{{printPretty .}}", "Format reports with go template syntax")
	}

	pipelineExportCmd.Flags().StringVar(&rootOpts.registry, "registry", "", "Registry to export from")
	pipelineExportCmd.Flags().StringVar(&rootOpts.pipelineID, "pipeline", "", "Export pipeline name or full resource id")
	pipelineExportCmd.Flags().IntVar(&rootOpts.batchSize, "batch-size", 50, "Artifacts per pipeline run, up to 50")
	pipelineExportCmd.Flags().StringVar(&rootOpts.prefix, "prefix", "", `Pipeline run name prefix (default "export-batch")`)
	pipelineExportCmd.Flags().IntVar(&rootOpts.exportConc, "max-concurrent", 10, "Maximum pipeline runs in flight")
	pipelineExportCmd.Flags().DurationVar(&rootOpts.pollInterval, "poll-interval", 30*time.Second, "Delay between pipeline run status checks")
	pipelineExportCmd.Flags().StringVar(&rootOpts.ignoreTags, "ignore-tags", "", "JSON file with repository and tag entries to exclude")
	pipelineExportCmd.Flags().BoolVar(&rootOpts.dryRun, "dry-run", false, "Plan the pipeline runs without creating them")
	pipelineExportCmd.Flags().StringVar(&rootOpts.format, "format", "{{printPretty .}}", "Format reports with go template syntax")
	_ = pipelineExportCmd.MarkFlagRequired("registry")
	_ = pipelineExportCmd.MarkFlagRequired("pipeline")

	pipelineImportCmd.Flags().StringVar(&rootOpts.registry, "registry", "", "Registry to import into")
	pipelineImportCmd.Flags().StringVar(&rootOpts.pipelineID, "pipeline", "", "Import pipeline name or full resource id")
	pipelineImportCmd.Flags().StringVar(&rootOpts.container, "container", "", "Staging container url holding the exported blobs")
	pipelineImportCmd.Flags().StringVar(&rootOpts.sasToken, "sas-token", "", "SAS token for the staging container, prompted when missing")
	pipelineImportCmd.Flags().StringVar(&rootOpts.prefix, "prefix", "", `Pipeline run name prefix (default "import-batch")`)
	pipelineImportCmd.Flags().IntVar(&rootOpts.importConc, "max-concurrent", 5, "Maximum pipeline runs in flight")
	pipelineImportCmd.Flags().DurationVar(&rootOpts.pollInterval, "poll-interval", 30*time.Second, "Delay between pipeline run status checks")
	pipelineImportCmd.Flags().BoolVar(&rootOpts.dryRun, "dry-run", false, "Plan the pipeline runs without creating them")
	pipelineImportCmd.Flags().StringVar(&rootOpts.format, "format", "{{printPretty .}}", "Format reports with go template syntax")
	_ = pipelineImportCmd.MarkFlagRequired("registry")
	_ = pipelineImportCmd.MarkFlagRequired("pipeline")
	_ = pipelineImportCmd.MarkFlagRequired("container")

	_ = rootTopCmd.MarkPersistentFlagFilename("config")
	_ = serverCmd.MarkPersistentFlagRequired("config")
	_ = checkCmd.MarkPersistentFlagRequired("config")
	_ = onceCmd.MarkPersistentFlagRequired("config")
	_ = configCmd.MarkPersistentFlagRequired("config")
	_ = pipelineExportCmd.MarkPersistentFlagRequired("config")
	_ = pipelineImportCmd.MarkPersistentFlagRequired("config")

	rootTopCmd.AddCommand(serverCmd)
	rootTopCmd.AddCommand(checkCmd)
	rootTopCmd.AddCommand(onceCmd)
	rootTopCmd.AddCommand(configCmd)
	rootTopCmd.AddCommand(versionCmd)
	pipelineCmd.AddCommand(pipelineExportCmd)
	pipelineCmd.AddCommand(pipelineImportCmd)
	rootTopCmd.AddCommand(pipelineCmd)

	rootTopCmd.PersistentPreRunE = rootOpts.rootPreRun
	return rootTopCmd
}

func (rootOpts *rootCmd) rootPreRun(cmd *cobra.Command, args []string) error {
	lvl, err := logrus.ParseLevel(rootOpts.verbosity)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	for _, opt := range rootOpts.logopts {
		if opt == "json" {
			log.Formatter = new(logrus.JSONFormatter)
		}
	}
	return nil
}

func (rootOpts *rootCmd) runVersion(cmd *cobra.Command, args []string) error {
	info := version.GetInfo()
	return template.Writer(cmd.OutOrStdout(), rootOpts.format, info)
}

// runConfig loads the file and writes back the merged configuration
func (rootOpts *rootCmd) runConfig(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}

	return ConfigWrite(conf, cmd.OutOrStdout())
}

// runOnce processes the file in one pass, ignoring cron
func (rootOpts *rootCmd) runOnce(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}
	steps, err := rootOpts.steps(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	var wg sync.WaitGroup
	reports := make([]transfer.Report, len(steps))
	errs := make([]error, len(steps))
	for i, s := range steps {
		i, s := i, s
		if conf.Defaults.Parallel > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				reports[i], errs[i] = rootOpts.process(ctx, s, false)
			}()
		} else {
			reports[i], errs[i] = rootOpts.process(ctx, s, false)
		}
	}
	wg.Wait()
	var mainErr error
	format := rootOpts.reportFormat(cmd)
	for i := range steps {
		if errs[i] != nil {
			if mainErr == nil {
				mainErr = errs[i]
			}
			// without a run there is no report to print
			if !errors.Is(errs[i], types.ErrRunFailed) {
				continue
			}
		}
		if err := template.Writer(cmd.OutOrStdout(), format, reports[i]); err != nil {
			return err
		}
	}
	return mainErr
}

// runServer stays running with cron scheduled tasks
func (rootOpts *rootCmd) runServer(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	var wg sync.WaitGroup
	var muErr sync.Mutex
	var mainErr error
	setErr := func(err error) {
		muErr.Lock()
		defer muErr.Unlock()
		if mainErr == nil {
			mainErr = err
		}
	}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	for _, s := range conf.Transfer {
		s := s
		sched := s.Schedule
		if sched == "" && s.Interval != 0 {
			sched = "@every " + s.Interval.String()
		}
		if sched == "" {
			log.WithFields(logrus.Fields{
				"source": s.Source,
				"target": s.Target,
			}).Error("No schedule or interval found, ignoring")
			continue
		}
		log.WithFields(logrus.Fields{
			"source": s.Source,
			"target": s.Target,
			"sched":  sched,
		}).Debug("Scheduled task")
		_, errCron := c.AddFunc(sched, func() {
			log.WithFields(logrus.Fields{
				"source": s.Source,
				"target": s.Target,
			}).Debug("Running task")
			wg.Add(1)
			defer wg.Done()
			rep, err := rootOpts.process(ctx, s, false)
			if err != nil {
				setErr(err)
			}
			logReport(s, rep)
		})
		if errCron != nil {
			log.WithFields(logrus.Fields{
				"source": s.Source,
				"target": s.Target,
				"sched":  sched,
				"err":    errCron,
			}).Error("Failed to schedule cron")
			setErr(errCron)
			continue
		}
		// run the step immediately so the target does not wait for the first tick
		if conf.Defaults.Parallel > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rep, err := rootOpts.process(ctx, s, false)
				if err != nil {
					setErr(err)
				}
				logReport(s, rep)
			}()
		} else {
			rep, err := rootOpts.process(ctx, s, false)
			if err != nil {
				setErr(err)
			}
			logReport(s, rep)
		}
	}
	// wait for the initial runs to finish before scheduling
	wg.Wait()
	c.Start()
	// wait on interrupt signal
	<-ctx.Done()
	log.WithFields(logrus.Fields{}).Info("Stopping server")
	// clean shutdown
	c.Stop()
	log.WithFields(logrus.Fields{}).Debug("Waiting on running tasks")
	wg.Wait()
	return mainErr
}

// runCheck reports what each step would do, skipping the imports
func (rootOpts *rootCmd) runCheck(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}
	steps, err := rootOpts.steps(cmd)
	if err != nil {
		return err
	}
	var mainErr error
	ctx := cmd.Context()
	format := rootOpts.reportFormat(cmd)
	for _, s := range steps {
		rep, err := rootOpts.process(ctx, s, true)
		if err != nil {
			if mainErr == nil {
				mainErr = err
			}
			if !errors.Is(err, types.ErrRunFailed) {
				continue
			}
		}
		if err := template.Writer(cmd.OutOrStdout(), format, rep); err != nil {
			return err
		}
	}
	return mainErr
}

// steps returns the transfer steps for this invocation, either an ad hoc step
// from the source/target flags or the configured steps with flag overrides.
func (rootOpts *rootCmd) steps(cmd *cobra.Command) ([]ConfigTransfer, error) {
	if rootOpts.source != "" || rootOpts.target != "" {
		if rootOpts.source == "" || rootOpts.target == "" {
			log.WithFields(logrus.Fields{
				"source": rootOpts.source,
				"target": rootOpts.target,
			}).Error("Both source and target are required")
			return nil, types.ErrMissingInput
		}
		s := ConfigTransfer{
			Source:          rootOpts.source,
			Target:          rootOpts.target,
			Repository:      rootOpts.repository,
			Letters:         rootOpts.letters,
			Ignore:          rootOpts.ignore,
			IgnoreConfig:    rootOpts.ignoreConf,
			MaxRepositories: rootOpts.maxRepos,
			Force:           rootOpts.force,
			Delay:           rootOpts.delay,
		}
		transferSetDefaults(&s, conf.Defaults)
		return []ConfigTransfer{s}, nil
	}
	steps := make([]ConfigTransfer, len(conf.Transfer))
	copy(steps, conf.Transfer)
	for i := range steps {
		if cmd.Flags().Changed("repository") {
			steps[i].Repository = rootOpts.repository
		}
		if cmd.Flags().Changed("letters") {
			steps[i].Letters = rootOpts.letters
		}
		if cmd.Flags().Changed("ignore-pattern") {
			steps[i].Ignore = rootOpts.ignore
		}
		if cmd.Flags().Changed("ignore-config") {
			steps[i].IgnoreConfig = rootOpts.ignoreConf
		}
		if cmd.Flags().Changed("max-repositories") {
			steps[i].MaxRepositories = rootOpts.maxRepos
		}
		if cmd.Flags().Changed("delay") {
			steps[i].Delay = rootOpts.delay
		}
		if cmd.Flags().Changed("force") {
			steps[i].Force = rootOpts.force
		}
	}
	return steps, nil
}

// process a transfer step
func (rootOpts *rootCmd) process(ctx context.Context, s ConfigTransfer, check bool) (transfer.Report, error) {
	if s.Source == "" || s.Target == "" {
		log.WithFields(logrus.Fields{
			"source": s.Source,
			"target": s.Target,
		}).Error("Source and target are required")
		return transfer.Report{}, types.ErrMissingInput
	}
	opts := []transfer.Opt{
		transfer.WithInventory(rapi),
		transfer.WithImporter(rapi),
		transfer.WithLog(log),
		transfer.WithThrottle(throttleC),
		transfer.WithParallel(conf.Defaults.Parallel),
		transfer.WithDelay(s.Delay),
		transfer.WithMaxRepositories(s.MaxRepositories),
	}
	if s.Repository != "" {
		opts = append(opts, transfer.WithRepository(s.Repository))
	}
	if s.Force {
		opts = append(opts, transfer.WithForce())
	}
	if check {
		opts = append(opts, transfer.WithDryRun())
	}
	if s.Letters != "" {
		letters, err := filter.ParseLetters(s.Letters)
		if err != nil {
			log.WithFields(logrus.Fields{
				"letters": s.Letters,
				"error":   err,
			}).Error("Failed parsing letter filter")
			return transfer.Report{}, err
		}
		opts = append(opts, transfer.WithLetters(letters))
	}
	patterns := make([]string, 0, len(s.Ignore))
	patterns = append(patterns, s.Ignore...)
	if s.IgnoreConfig != "" {
		filePatterns, err := filter.LoadPatternFile(s.IgnoreConfig)
		if err != nil {
			log.WithFields(logrus.Fields{
				"file":  s.IgnoreConfig,
				"error": err,
			}).Error("Failed loading ignore config")
			return transfer.Report{}, err
		}
		patterns = append(patterns, filePatterns...)
	}
	if len(patterns) > 0 {
		policy, err := filter.ParseRules(patterns)
		if err != nil {
			log.WithFields(logrus.Fields{
				"patterns": patterns,
				"error":    err,
			}).Error("Failed parsing ignore patterns")
			return transfer.Report{}, err
		}
		opts = append(opts, transfer.WithIgnorePolicy(policy))
	}
	return transfer.New(opts...).Run(ctx, s.Source, s.Target)
}

// logReport logs a step outcome for server mode where reports are not printed
func logReport(s ConfigTransfer, rep transfer.Report) {
	entry := log.WithFields(logrus.Fields{
		"source":   s.Source,
		"target":   s.Target,
		"migrated": rep.Migrated,
		"retagged": rep.Retagged,
		"skipped":  rep.Skipped,
		"failed":   rep.Failed,
		"elapsed":  rep.Elapsed.Round(time.Millisecond).String(),
	})
	if rep.Failed > 0 {
		entry.Warn("Step finished with failures")
		return
	}
	entry.Info("Step finished")
}

// reportFormat picks the report output format, json when stdout is not a terminal
func (rootOpts *rootCmd) reportFormat(cmd *cobra.Command) string {
	if !cmd.Flags().Changed("format") && !term.IsTerminal(int(os.Stdout.Fd())) {
		return "{{json .}}"
	}
	return rootOpts.format
}

func (rootOpts *rootCmd) loadConf() error {
	var err error
	if rootOpts.confFile == "-" {
		conf, err = ConfigLoadReader(os.Stdin)
		if err != nil {
			return err
		}
	} else if rootOpts.confFile != "" {
		r, err := os.Open(rootOpts.confFile)
		if err != nil {
			return err
		}
		defer r.Close()
		conf, err = ConfigLoadReader(r)
		if err != nil {
			return err
		}
	} else {
		return types.ErrMissingInput
	}
	// use a throttle to share the import budget across all steps
	if conf.Defaults.Concurrency > 0 {
		log.WithFields(logrus.Fields{
			"concurrency": conf.Defaults.Concurrency,
		}).Debug("Configuring concurrency limit")
		throttleC = throttle.New(conf.Defaults.Concurrency)
	}
	// set the registry client, loading docker creds unless disabled, and inject logins from config file
	rapiOpts := []regapi.Opt{
		regapi.WithLog(log),
	}
	if !conf.Defaults.SkipDockerConf {
		rapiOpts = append(rapiOpts, regapi.WithDockerCreds())
	}
	if conf.Defaults.UserAgent != "" {
		rapiOpts = append(rapiOpts, regapi.WithUserAgent(conf.Defaults.UserAgent))
	}
	if conf.Azure.Management != "" {
		rapiOpts = append(rapiOpts, regapi.WithManagement(conf.Azure.Management))
	}
	if conf.Azure.Subscription != "" {
		rapiOpts = append(rapiOpts, regapi.WithSubscription(conf.Azure.Subscription))
	}
	token := conf.Azure.Token
	if token == "" {
		token = os.Getenv(conf.Azure.TokenEnv)
	}
	if token != "" {
		rapiOpts = append(rapiOpts, regapi.WithAzureToken(token))
	}
	if len(conf.Creds) > 0 {
		rapiOpts = append(rapiOpts, regapi.WithConfigHosts(conf.Creds))
	}
	rapi = regapi.New(rapiOpts...)
	return nil
}

// runPipelineExport drives an export pipeline over the registry inventory
func (rootOpts *rootCmd) runPipelineExport(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	pipeID, err := rootOpts.pipelineResource(ctx, "exportPipelines")
	if err != nil {
		return err
	}
	opts := []pipeline.Opt{
		pipeline.WithAPI(rapi),
		pipeline.WithInventory(rapi),
		pipeline.WithLog(log),
		pipeline.WithPrefix(rootOpts.prefix),
		pipeline.WithBatchSize(rootOpts.batchSize),
		pipeline.WithMaxConcurrent(rootOpts.exportConc),
		pipeline.WithPollInterval(rootOpts.pollInterval),
	}
	if rootOpts.dryRun {
		opts = append(opts, pipeline.WithDryRun())
	}
	if rootOpts.ignoreTags != "" {
		ig, err := pipeline.LoadIgnoreTags(rootOpts.ignoreTags)
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithIgnoreTags(ig))
	}
	rep, runErr := pipeline.New(opts...).Export(ctx, rootOpts.registry, pipeID)
	if err := template.Writer(cmd.OutOrStdout(), rootOpts.reportFormat(cmd), rep); err != nil {
		return err
	}
	return runErr
}

// runPipelineImport creates import pipeline runs for the staged blobs
func (rootOpts *rootCmd) runPipelineImport(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	pipeID, err := rootOpts.pipelineResource(ctx, "importPipelines")
	if err != nil {
		return err
	}
	container, err := rootOpts.containerWithSAS()
	if err != nil {
		return err
	}
	opts := []pipeline.Opt{
		pipeline.WithAPI(rapi),
		pipeline.WithBlobs(rapi),
		pipeline.WithLog(log),
		pipeline.WithPrefix(rootOpts.prefix),
		pipeline.WithMaxConcurrent(rootOpts.importConc),
		pipeline.WithPollInterval(rootOpts.pollInterval),
	}
	if rootOpts.dryRun {
		opts = append(opts, pipeline.WithDryRun())
	}
	rep, runErr := pipeline.New(opts...).Import(ctx, rootOpts.registry, pipeID, container)
	if err := template.Writer(cmd.OutOrStdout(), rootOpts.reportFormat(cmd), rep); err != nil {
		return err
	}
	return runErr
}

// pipelineResource expands a pipeline name to its full resource id
func (rootOpts *rootCmd) pipelineResource(ctx context.Context, kind string) (string, error) {
	if strings.HasPrefix(rootOpts.pipelineID, "/") {
		return rootOpts.pipelineID, nil
	}
	registryID, err := rapi.Resolve(ctx, rootOpts.registry)
	if err != nil {
		log.WithFields(logrus.Fields{
			"registry": rootOpts.registry,
			"error":    err,
		}).Error("Failed to resolve registry")
		return "", err
	}
	return registryID + "/" + kind + "/" + rootOpts.pipelineID, nil
}

// containerWithSAS returns the container url with its SAS query, prompting on
// a terminal when no token was provided
func (rootOpts *rootCmd) containerWithSAS() (string, error) {
	u, err := url.Parse(rootOpts.container)
	if err != nil {
		return "", fmt.Errorf("%w: container url %s: %v", types.ErrInvalidInput, rootOpts.container, err)
	}
	if u.Query().Get("sig") != "" {
		return rootOpts.container, nil
	}
	sas := rootOpts.sasToken
	if sas == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "SAS token: ")
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		sas = string(line)
	}
	if sas == "" {
		return "", fmt.Errorf("%w: container SAS token", types.ErrMissingInput)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery += "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}
