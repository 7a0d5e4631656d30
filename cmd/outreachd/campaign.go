package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/outreachd/outreachd/internal/store"
)

var campaignListStatus string

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause an active campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignPause,
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused or draft campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignResume,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (draft, active, paused, completed)")

	campaignCmd.AddCommand(campaignListCmd, campaignShowCmd, campaignPauseCmd, campaignResumeCmd)
	rootCmd.AddCommand(campaignCmd)
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	filter := store.CampaignFilter{}
	if campaignListStatus != "" {
		filter.Status = store.CampaignStatus(campaignListStatus)
	}

	campaigns, err := st.ListCampaigns(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tACCOUNT\tSTEPS\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t-------\t-----\t-------")

	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(c.ID),
			c.Name,
			c.Status,
			truncateID(c.AccountID),
			len(c.Steps),
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", len(campaigns))

	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()

	c, err := st.GetCampaign(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Name:      %s\n", c.Name)
	fmt.Printf("Status:    %s\n", c.Status)
	fmt.Printf("Workspace: %s\n", c.WorkspaceID)
	fmt.Printf("Account:   %s\n", c.AccountID)
	fmt.Printf("Window:    %02d:00-%02d:00 %s\n", c.Schedule.StartHour, c.Schedule.EndHour, c.Schedule.Timezone)

	fmt.Println("\nSteps:")
	for i, step := range c.Steps {
		if step.Delay > 0 {
			fmt.Printf("  %d. %s (+%s)\n", i+1, step.Kind, step.Delay)
		} else {
			fmt.Printf("  %d. %s\n", i+1, step.Kind)
		}
	}

	prospects, err := st.ListProspects(ctx, store.ProspectFilter{CampaignID: c.ID})
	if err == nil {
		counts := make(map[store.ProspectStatus]int)
		for _, p := range prospects {
			counts[p.Status]++
		}
		fmt.Printf("\nProspects: %d\n", len(prospects))
		for status, n := range counts {
			fmt.Printf("  %-22s %d\n", status, n)
		}
	}

	return nil
}

func runCampaignPause(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id := args[0]
	_, err = st.UpdateCampaign(context.Background(), id, func(c *store.Campaign) error {
		if c.Status != store.CampaignActive {
			return fmt.Errorf("campaign is %s, only active campaigns can be paused", c.Status)
		}
		c.Status = store.CampaignPaused
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to pause campaign: %w", err)
	}

	fmt.Printf("Campaign %s paused\n", id)
	return nil
}

func runCampaignResume(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id := args[0]
	_, err = st.UpdateCampaign(context.Background(), id, func(c *store.Campaign) error {
		if c.Status != store.CampaignPaused && c.Status != store.CampaignDraft {
			return fmt.Errorf("campaign is %s, only paused or draft campaigns can be resumed", c.Status)
		}
		c.Status = store.CampaignActive
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to resume campaign: %w", err)
	}

	fmt.Printf("Campaign %s activated\n", id)
	return nil
}
