package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/outreachd/outreachd/internal/store"
)

var (
	accountAddWorkspace  string
	accountAddProviderID string
	accountAddName       string
	accountAddTimezone   string
	accountAddDaily      int
	accountAddWeekly     int
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Sending account management commands",
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sending accounts with quota usage",
	RunE:  runAccountList,
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a sending account",
	RunE:  runAccountAdd,
}

var accountPauseCmd = &cobra.Command{
	Use:   "pause <account_id>",
	Short: "Pause an account (its campaigns stop sending)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountPause,
}

var accountResumeCmd = &cobra.Command{
	Use:   "resume <account_id>",
	Short: "Resume a paused account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountResume,
}

func init() {
	accountAddCmd.Flags().StringVar(&accountAddWorkspace, "workspace", "", "Workspace ID (required)")
	accountAddCmd.Flags().StringVar(&accountAddProviderID, "provider-id", "", "Provider-side account ID (required)")
	accountAddCmd.Flags().StringVar(&accountAddName, "name", "", "Display name")
	accountAddCmd.Flags().StringVar(&accountAddTimezone, "timezone", "UTC", "Account timezone (IANA name)")
	accountAddCmd.Flags().IntVar(&accountAddDaily, "daily-limit", 0, "Daily send limit (0 = global default)")
	accountAddCmd.Flags().IntVar(&accountAddWeekly, "weekly-limit", 0, "Weekly send limit (0 = global default)")
	accountAddCmd.MarkFlagRequired("workspace")
	accountAddCmd.MarkFlagRequired("provider-id")

	accountCmd.AddCommand(accountListCmd, accountAddCmd, accountPauseCmd, accountResumeCmd)
	rootCmd.AddCommand(accountCmd)
}

func runAccountList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	accounts, err := st.ListAccounts(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTIMEZONE\tDAILY\tWEEKLY")
	fmt.Fprintln(w, "--\t----\t------\t--------\t-----\t------")

	for _, a := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d/%d\n",
			truncateID(a.ID),
			a.Name,
			a.Status,
			a.Timezone,
			a.DailySent, a.DailyLimit,
			a.WeeklySent, a.WeeklyLimit,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d accounts\n", len(accounts))

	return nil
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := time.LoadLocation(accountAddTimezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", accountAddTimezone, err)
	}

	now := time.Now().UTC()
	account := &store.Account{
		ID:          uuid.New().String(),
		WorkspaceID: accountAddWorkspace,
		ProviderID:  accountAddProviderID,
		Name:        accountAddName,
		Timezone:    accountAddTimezone,
		Status:      store.AccountActive,
		DailyLimit:  accountAddDaily,
		WeeklyLimit: accountAddWeekly,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := st.PutAccount(context.Background(), account); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	fmt.Printf("Account %s registered\n", account.ID)
	return nil
}

func runAccountPause(cmd *cobra.Command, args []string) error {
	return setAccountStatus(args[0], store.AccountPaused)
}

func runAccountResume(cmd *cobra.Command, args []string) error {
	return setAccountStatus(args[0], store.AccountActive)
}

func setAccountStatus(id string, to store.AccountStatus) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	_, err = st.UpdateAccount(context.Background(), id, func(a *store.Account) error {
		a.Status = to
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	fmt.Printf("Account %s is now %s\n", id, to)
	return nil
}
