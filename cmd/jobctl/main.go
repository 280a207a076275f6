package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"enhancer/internal/adapter/repo"
	"enhancer/internal/infra"
)

// jobctl prints a job's row, its status history and its outbox events.
func main() {
	var (
		idFlag     string
		refundFlag bool
	)
	flag.StringVar(&idFlag, "id", "", "job ID to inspect (UUID)")
	flag.BoolVar(&refundFlag, "refund", false, "release the job's reservation if it is still held")
	flag.Parse()

	_ = godotenv.Load()

	jobID := strings.TrimSpace(idFlag)
	if jobID == "" {
		exitWithError(errors.New("-id is required"))
	}
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := infra.NewDBPool(ctx, &infra.Config{DatabaseURL: dbURL})
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "jobctl").Logger()
	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)
	events := repo.NewOutboxRepository(runner)

	job, err := jobs.GetByID(ctx, jobID)
	if err != nil {
		exitWithError(fmt.Errorf("failed to load job: %w", err))
	}
	fmt.Printf("Job %s (tenant %s, owner %s)\n", job.ID, job.TenantID, job.OwnerID)
	fmt.Printf("status=%s progress=%d stage=%s\n", job.Status, job.ProgressPercent, job.ProgressStage)
	if job.ProviderJobID != nil {
		fmt.Printf("provider_job_id=%s\n", *job.ProviderJobID)
	}
	if job.ErrorMessage != nil {
		fmt.Printf("error=%s\n", *job.ErrorMessage)
	}

	history, err := jobs.ListTransitions(ctx, jobID)
	if err != nil {
		exitWithError(fmt.Errorf("failed to load transitions: %w", err))
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nAT\tFROM\tTO\tPROGRESS")
	for _, c := range history {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.CreatedAt.Format(time.RFC3339), c.From, c.To, c.ProgressPercent)
	}
	_ = tw.Flush()

	outbox, err := events.ListByJobID(ctx, jobID)
	if err != nil {
		exitWithError(fmt.Errorf("failed to load outbox events: %w", err))
	}
	fmt.Fprintln(tw, "\nEVENT\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, ev := range outbox {
		lastErr := "-"
		if ev.LastError != nil {
			lastErr = *ev.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", ev.ID, ev.Status, ev.Attempts, ev.NextAttemptAt.Format(time.RFC3339), lastErr)
	}
	_ = tw.Flush()

	if refundFlag {
		if !job.Status.Terminal() {
			exitWithError(fmt.Errorf("job is %s; refunds are only issued for finished jobs", job.Status))
		}
		refunded, err := jobs.RefundReservation(ctx, jobID)
		if err != nil {
			exitWithError(fmt.Errorf("failed to refund: %w", err))
		}
		fmt.Printf("\nrefunded=%t\n", refunded)
	}
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
