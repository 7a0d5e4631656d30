package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/outreachd/outreachd/internal/store"
)

var (
	queueListStatus   string
	queueListLimit    int
	queueListCampaign string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List items in the send queue",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <item_id>",
	Short: "Show queue item details",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <item_id>",
	Short: "Requeue a failed or skipped item",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueReleaseCmd = &cobra.Command{
	Use:   "release <item_id>",
	Short: "Release a claimed item back to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRelease,
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <item_id>",
	Short: "Delete an item from the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDelete,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, processing, sent, failed, skipped)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of items to show")
	queueListCmd.Flags().StringVar(&queueListCampaign, "campaign", "", "Filter by campaign ID")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd, queueRetryCmd, queueReleaseCmd, queueDeleteCmd)
	rootCmd.AddCommand(queueCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	return st, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()

	filter := store.ItemFilter{
		CampaignID: queueListCampaign,
		Limit:      queueListLimit,
	}
	if queueListStatus != "" {
		filter.Status = store.ItemStatus(queueListStatus)
	}

	items, err := st.ListItems(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list queue items: %w", err)
	}

	if len(items) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tCAMPAIGN\tSCHEDULED\tATTEMPTS")
	fmt.Fprintln(w, "--\t------\t----\t--------\t---------\t--------")

	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			truncateID(item.ID),
			item.Status,
			item.MessageType,
			truncateID(item.CampaignID),
			item.ScheduledFor.Format("2006-01-02 15:04"),
			item.Attempts,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d items\n", len(items))

	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	item, err := st.GetItem(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get queue item: %w", err)
	}

	fmt.Printf("Item: %s\n\n", item.ID)
	fmt.Printf("Status:      %s\n", item.Status)
	fmt.Printf("Type:        %s\n", item.MessageType)
	fmt.Printf("Step:        %d\n", item.StepIndex)
	fmt.Printf("Campaign:    %s\n", item.CampaignID)
	fmt.Printf("Prospect:    %s\n", item.ProspectID)
	fmt.Printf("Scheduled:   %s\n", item.ScheduledFor.Format(time.RFC3339))
	fmt.Printf("Created:     %s\n", item.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", item.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("Attempts:    %d\n", item.Attempts)

	if !item.SentAt.IsZero() {
		fmt.Printf("Sent:        %s\n", item.SentAt.Format(time.RFC3339))
	}
	if item.ErrorReason != "" {
		fmt.Printf("\nLast Error:\n  %s\n", item.ErrorReason)
	}

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	fmt.Printf("Total:      %d\n", stats.Total)
	fmt.Printf("Pending:    %d\n", stats.Pending)
	fmt.Printf("Processing: %d\n", stats.Processing)
	fmt.Printf("Sent:       %d\n", stats.Sent)
	fmt.Printf("Failed:     %d\n", stats.Failed)
	fmt.Printf("Skipped:    %d\n", stats.Skipped)

	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id := args[0]
	if err := st.Retry(context.Background(), id, time.Now()); err != nil {
		return fmt.Errorf("failed to retry item: %w", err)
	}

	fmt.Printf("Item %s queued for retry\n", id)
	return nil
}

func runQueueRelease(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id := args[0]
	if err := st.Release(context.Background(), id); err != nil {
		return fmt.Errorf("failed to release item: %w", err)
	}

	fmt.Printf("Item %s released back to pending\n", id)
	return nil
}

func runQueueDelete(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id := args[0]
	if err := st.DeleteItem(context.Background(), id); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}

	fmt.Printf("Item %s deleted from queue\n", id)
	return nil
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
