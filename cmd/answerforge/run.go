package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adrian/answerforge/internal/config"
	"github.com/adrian/answerforge/internal/db"
	"github.com/adrian/answerforge/internal/events"
	"github.com/adrian/answerforge/internal/jobs"
	"github.com/adrian/answerforge/internal/links"
	"github.com/adrian/answerforge/internal/llm"
	"github.com/adrian/answerforge/internal/pipeline"
	"github.com/adrian/answerforge/internal/resolver"
	"github.com/adrian/answerforge/internal/stagecache"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Process a question list end-to-end",
	Long: `Creates a job from a questions file and processes every row through the
research -> draft -> tailor pipeline, printing progress until the job reaches a
terminal state.

Configuration can be loaded from a JSON file using --config. Command-line
arguments override config file values.`,
	RunE: runJobCmd,
}

var (
	runConfigPath       string
	runQuestionsPath    string
	runOwner            string
	runJobName          string
	runInstructionsPath string
	runDocumentsPath    string
	runFailFast         bool
	runAPIKey           string
	runDatabaseURL      string
	runVerbose          bool
)

func init() {
	// Config file flag (processed first)
	runCommand.Flags().StringVar(&runConfigPath, "config", "", "Path to config.json file (values can be overridden by other flags)")

	runCommand.Flags().StringVarP(&runQuestionsPath, "questions", "q", "", "Path to questions text file, one question per line (required)")
	runCommand.Flags().StringVarP(&runOwner, "owner", "o", "", "Job owner identifier")
	runCommand.Flags().StringVarP(&runJobName, "name", "n", "", "Job name")
	runCommand.Flags().StringVar(&runInstructionsPath, "instructions", "", "Path to tailoring instructions text file")
	runCommand.Flags().StringVar(&runDocumentsPath, "documents", "", "Path to supporting documents text file")
	runCommand.Flags().BoolVar(&runFailFast, "fail-fast", false, "Stop the job on the first row error")
	runCommand.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print stage-level progress and processing logs")

	// API key can be passed as a flag, or read from env var GEMINI_API_KEY
	runCommand.Flags().StringVar(&runAPIKey, "api-key", "", "Gemini API Key (optional, defaults to GEMINI_API_KEY env var)")

	// Database URL for job persistence
	runCommand.Flags().StringVar(&runDatabaseURL, "db-url", "", "PostgreSQL connection URL (optional, defaults to DATABASE_URL env var)")

	rootCmd.AddCommand(runCommand)
}

func runJobCmd(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	// Step 1: Load config file if provided
	var cfg config.Config
	if runConfigPath != "" {
		loadedCfg, err := config.LoadConfig(runConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := loadedCfg.Validate(); err != nil {
			return err
		}
		cfg = *loadedCfg
		if runVerbose {
			fmt.Printf("Loaded config from: %s\n", runConfigPath)
		}
	}

	// Step 2: Apply CLI overrides (command-line args take priority)
	if cmd.Flags().Changed("api-key") {
		cfg.APIKey = runAPIKey
	}
	if cmd.Flags().Changed("db-url") {
		cfg.DatabaseURL = runDatabaseURL
	}
	if cmd.Flags().Changed("fail-fast") {
		cfg.FailFast = runFailFast
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = runVerbose
	}

	// Step 3: Apply defaults for unset values
	cfg = cfg.MergeWithDefaults(runDefaults())

	// Step 4: Validate required inputs
	if runQuestionsPath == "" {
		return fmt.Errorf("--questions is required")
	}
	questions, err := readQuestions(runQuestionsPath)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return fmt.Errorf("questions file %s contains no questions", runQuestionsPath)
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable or --api-key flag is required")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable or --db-url flag is required")
	}

	instructions, err := readOptionalFile(runInstructionsPath)
	if err != nil {
		return err
	}
	documents, err := readOptionalFile(runDocumentsPath)
	if err != nil {
		return err
	}

	owner := runOwner
	if owner == "" {
		owner = "cli"
	}
	name := runJobName
	if name == "" {
		name = fmt.Sprintf("cli run %s", time.Now().Format("2006-01-02 15:04"))
	}

	// Step 5: Wire the processing stack
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	llmConfig := llm.DefaultConfig()
	if cfg.LiteModel != "" {
		llmConfig = llmConfig.WithModel(llm.TierLite, cfg.LiteModel)
	}
	if cfg.StandardModel != "" {
		llmConfig = llmConfig.WithModel(llm.TierStandard, cfg.StandardModel)
	}
	if cfg.AdvancedModel != "" {
		llmConfig = llmConfig.WithModel(llm.TierAdvanced, cfg.AdvancedModel)
	}

	client, err := llm.NewClient(ctx, llmConfig, cfg.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create generation client: %w", err)
	}
	defer func() { _ = client.Close() }()

	hub := events.NewHub()
	validator := links.NewValidator(&links.Options{
		Timeout:   time.Duration(cfg.LinkTimeoutSec) * time.Second,
		BatchSize: cfg.LinkBatchSize,
	})
	executor := pipeline.NewExecutor(client, llmConfig, stagecache.New(database), validator, database)
	manager := jobs.NewManager(database, executor, resolver.New(client, llmConfig), hub, &jobs.Options{
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: time.Duration(cfg.RetryBaseMS) * time.Millisecond,
	})
	defer manager.Close()

	// Step 6: Create the job and its rows
	job, err := database.CreateJob(ctx, &db.JobInput{
		Owner:        owner,
		Name:         name,
		FailFast:     cfg.FailFast,
		Instructions: instructions,
		Documents:    documents,
	})
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if err := database.InsertRows(ctx, job.ID, questions); err != nil {
		return fmt.Errorf("failed to insert rows: %w", err)
	}

	fmt.Printf("Created job %s with %d questions\n", job.ID, len(questions))

	// Step 7: Process, printing progress as it streams in
	ch, cancelSub := hub.Subscribe()
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for ev := range ch {
			if ev.JobID == job.ID {
				printEvent(ev, cfg.Verbose)
			}
		}
	}()

	if err := manager.Start(ctx, job.ID); err != nil {
		cancelSub()
		<-printerDone
		return fmt.Errorf("failed to start job: %w", err)
	}
	manager.Wait(job.ID)
	cancelSub()
	<-printerDone

	// Step 8: Report the outcome
	final, err := database.GetJob(ctx, job.ID)
	if err != nil || final == nil {
		return fmt.Errorf("failed to reload job %s", job.ID)
	}

	fmt.Printf("Job %s finished with status %s (%d/%d rows processed)\n",
		final.ID, final.Status, final.ProcessedRows, final.TotalRows)

	if final.Status != db.JobStatusCompleted {
		return fmt.Errorf("job ended in status %s", final.Status)
	}
	return nil
}

// runDefaults mirrors the built-in settings of the manager and the link
// validator, so a config file only needs to name what it changes.
func runDefaults() config.Config {
	retry := jobs.DefaultOptions()
	return config.Config{
		RetryAttempts:  retry.RetryAttempts,
		RetryBaseMS:    int(retry.RetryBaseDelay / time.Millisecond),
		LinkTimeoutSec: int(links.DefaultProbeTimeout / time.Second),
		LinkBatchSize:  links.DefaultBatchSize,
	}
}

// printEvent writes one progress line. Stage-level and log events only show
// up in verbose mode.
func printEvent(ev events.Event, verbose bool) {
	switch ev.Type {
	case events.TypeRowStarted:
		fmt.Printf("Row %d: started\n", ev.RowIndex)
	case events.TypeRowProcessed:
		fmt.Printf("Row %d: done (%s)\n", ev.RowIndex, ev.Message)
	case events.TypeRowError:
		fmt.Printf("Row %d: error: %s\n", ev.RowIndex, ev.Message)
	case events.TypeJobCompleted, events.TypeJobError, events.TypeJobCancelled, events.TypeJobPaused:
		fmt.Printf("Job %s\n", strings.TrimPrefix(string(ev.Type), "job_"))
	case events.TypeStageStarted, events.TypeStageComplete, events.TypeProcessingLog:
		if verbose {
			fmt.Printf("Row %d [%s] %s %s\n", ev.RowIndex, ev.Stage, ev.Type, ev.Message)
		}
	}
}

// readQuestions loads one question per line, skipping blanks.
func readQuestions(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open questions file: %w", err)
	}
	defer f.Close()

	var questions []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			questions = append(questions, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read questions file: %w", err)
	}
	return questions, nil
}

// readOptionalFile returns the file's contents, or "" when no path was given.
func readOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
