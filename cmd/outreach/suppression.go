package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var suppressionReason string

var suppressionCmd = &cobra.Command{
	Use:   "suppression",
	Short: "Manage tenant suppression lists",
}

var suppressionAddCmd = &cobra.Command{
	Use:   "add <tenant_id> <email>...",
	Short: "Suppress addresses for a tenant",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSuppressionAdd,
}

var suppressionRemoveCmd = &cobra.Command{
	Use:   "remove <tenant_id> <email>",
	Short: "Lift a suppression",
	Args:  cobra.ExactArgs(2),
	RunE:  runSuppressionRemove,
}

var suppressionListCmd = &cobra.Command{
	Use:   "list <tenant_id>",
	Short: "List suppressed addresses of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuppressionList,
}

func init() {
	suppressionAddCmd.Flags().StringVar(&suppressionReason, "reason", "", "Why the addresses are suppressed")

	suppressionCmd.AddCommand(suppressionAddCmd, suppressionRemoveCmd, suppressionListCmd)
	rootCmd.AddCommand(suppressionCmd)
}

func runSuppressionAdd(cmd *cobra.Command, args []string) error {
	_, st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	tenantID := args[0]
	for _, email := range args[1:] {
		if err := st.AddSuppression(ctx, tenantID, email, suppressionReason); err != nil {
			return fmt.Errorf("failed to suppress %s: %w", email, err)
		}
		fmt.Printf("Suppressed %s\n", email)
	}
	return nil
}

func runSuppressionRemove(cmd *cobra.Command, args []string) error {
	_, st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RemoveSuppression(context.Background(), args[0], args[1]); err != nil {
		return fmt.Errorf("failed to remove suppression: %w", err)
	}
	fmt.Printf("Suppression lifted for %s\n", args[1])
	return nil
}

func runSuppressionList(cmd *cobra.Command, args []string) error {
	_, st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListSuppressions(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to list suppressions: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No suppressed addresses")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tREASON\tCREATED")
	fmt.Fprintln(w, "-----\t------\t-------")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Email, s.Reason, s.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()

	return nil
}
