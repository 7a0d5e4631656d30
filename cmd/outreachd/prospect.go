package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/outreachd/outreachd/internal/store"
)

var (
	prospectResetStatus string
	prospectResetActor  string
	prospectResetReason string
)

var prospectCmd = &cobra.Command{
	Use:   "prospect",
	Short: "Prospect management commands",
}

var prospectShowCmd = &cobra.Command{
	Use:   "show <prospect_id>",
	Short: "Show prospect details",
	Args:  cobra.ExactArgs(1),
	RunE:  runProspectShow,
}

var prospectResetCmd = &cobra.Command{
	Use:   "reset <prospect_id>",
	Short: "Override a prospect's status (audited)",
	Args:  cobra.ExactArgs(1),
	RunE:  runProspectReset,
}

func init() {
	prospectResetCmd.Flags().StringVar(&prospectResetStatus, "to", "approved", "Target status")
	prospectResetCmd.Flags().StringVar(&prospectResetActor, "actor", "", "Operator performing the override (required)")
	prospectResetCmd.Flags().StringVar(&prospectResetReason, "reason", "", "Reason for the override")
	prospectResetCmd.MarkFlagRequired("actor")

	prospectCmd.AddCommand(prospectShowCmd, prospectResetCmd)
	rootCmd.AddCommand(prospectCmd)
}

func runProspectShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := st.GetProspect(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get prospect: %w", err)
	}

	fmt.Printf("Prospect: %s\n\n", p.ID)
	fmt.Printf("Name:       %s %s\n", p.FirstName, p.LastName)
	fmt.Printf("Status:     %s\n", p.Status)
	if p.StatusReason != "" {
		fmt.Printf("Reason:     %s\n", p.StatusReason)
	}
	fmt.Printf("Campaign:   %s\n", p.CampaignID)
	fmt.Printf("External:   %s\n", p.ExternalID)
	if p.ProviderID != "" {
		fmt.Printf("Provider:   %s\n", p.ProviderID)
	}
	fmt.Printf("Follow-ups: %d\n", p.FollowUpIndex)

	return nil
}

func runProspectReset(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	to := store.ProspectStatus(prospectResetStatus)
	if !to.Valid() {
		return fmt.Errorf("unknown prospect status %q", prospectResetStatus)
	}

	p, err := st.ResetProspect(context.Background(), args[0], to, prospectResetActor, prospectResetReason)
	if err != nil {
		return fmt.Errorf("failed to reset prospect: %w", err)
	}

	fmt.Printf("Prospect %s is now %s\n", p.ID, p.Status)
	return nil
}
