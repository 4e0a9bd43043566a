package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zapdrip/zapdrip/internal/db"
	"github.com/zapdrip/zapdrip/internal/models"
	"github.com/zapdrip/zapdrip/internal/repository"
	"github.com/zapdrip/zapdrip/internal/statestore"
)

var (
	campaignListStatus string
	campaignListLimit  int
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns in the queue",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign_id>",
	Short: "Cancel a queued campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignCancel,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent campaign runs",
	RunE:  runRunsList,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (queued, processing, done, cancelled)")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")

	campaignCmd.AddCommand(campaignListCmd, campaignShowCmd, campaignCancelCmd)
	rootCmd.AddCommand(campaignCmd, runsCmd)
}

func openJobRepository() (*repository.JobRepository, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	database, err := db.New(cfg.Storage.QueuePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open queue store: %w", err)
	}

	return repository.NewJobRepository(database.DB), func() { database.Close() }, nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	jobs, closeDB, err := openJobRepository()
	if err != nil {
		return err
	}
	defer closeDB()

	campaigns, total, err := jobs.List(models.JobListFilter{
		Status: campaignListStatus,
		Limit:  campaignListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tRECIPIENTS\tSCHEDULED\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t----------\t---------\t-------")

	for _, c := range campaigns {
		scheduled := "-"
		if c.ScheduledAt != nil {
			scheduled = c.ScheduledAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			c.ID,
			truncate(c.Name, 30),
			c.Status,
			c.TotalRecipients,
			scheduled,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", total)

	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	jobs, closeDB, err := openJobRepository()
	if err != nil {
		return err
	}
	defer closeDB()

	id, err := parseCampaignID(args[0])
	if err != nil {
		return err
	}

	job, err := jobs.GetByID(id)
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	if job == nil {
		return fmt.Errorf("campaign not found: %d", id)
	}

	stats, err := jobs.GetStats(id)
	if err != nil {
		return fmt.Errorf("failed to get campaign stats: %w", err)
	}

	fmt.Printf("Campaign: %d\n\n", job.ID)
	fmt.Printf("Name:       %s\n", job.Name)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Recipients: %d\n", job.TotalRecipients)
	fmt.Printf("Dry run:    %v\n", job.DryRun)
	fmt.Printf("Created:    %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.ScheduledAt != nil {
		fmt.Printf("Scheduled:  %s\n", job.ScheduledAt.Format(time.RFC3339))
	}
	if job.StartedAt != nil {
		fmt.Printf("Started:    %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		fmt.Printf("Finished:   %s\n", job.FinishedAt.Format(time.RFC3339))
	}

	fmt.Printf("\nProgress: %d sent, %d failed, %d pending of %d\n",
		stats.Sent, stats.Failed, stats.Pending, stats.Total)

	fmt.Println("\nMessage Preview:")
	fmt.Println("---")
	fmt.Println(truncate(job.Message, 500))

	return nil
}

func runCampaignCancel(cmd *cobra.Command, args []string) error {
	jobs, closeDB, err := openJobRepository()
	if err != nil {
		return err
	}
	defer closeDB()

	id, err := parseCampaignID(args[0])
	if err != nil {
		return err
	}

	cancelled, err := jobs.Cancel(id)
	if err != nil {
		return fmt.Errorf("failed to cancel campaign: %w", err)
	}
	if !cancelled {
		return fmt.Errorf("campaign %d is not queued, only queued campaigns can be cancelled here", id)
	}

	fmt.Printf("Campaign %d cancelled\n", id)
	return nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	state, err := statestore.New(cfg.Storage.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer state.Close()

	records, err := state.ListRunRecords()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No recorded runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tCAMPAIGN\tSENT\tFAILED\tSTARTED\tDURATION\tRESULT")
	fmt.Fprintln(w, "---\t--------\t----\t------\t-------\t--------\t------")

	for _, rec := range records {
		result := "completed"
		if rec.Aborted {
			result = "aborted"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			truncate(rec.RunID, 8),
			rec.JobID,
			rec.Stats.Sent,
			rec.Stats.Failed,
			rec.StartedAt.Format("2006-01-02 15:04"),
			rec.FinishedAt.Sub(rec.StartedAt).Round(time.Second),
			result,
		)
	}

	w.Flush()
	return nil
}

func parseCampaignID(raw string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid campaign id: %s", raw)
	}
	return id, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
