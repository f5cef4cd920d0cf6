package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/store"
)

var (
	campaignListTenant string
	campaignListStatus string
	campaignListLimit  int

	contactsCraft string
	contactsSend  string
	contactsLimit int
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Inspect campaigns",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details and progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignContactsCmd = &cobra.Command{
	Use:   "contacts <campaign_id>",
	Short: "List contact states of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignContacts,
}

var campaignHistoryCmd = &cobra.Command{
	Use:   "history <campaign_id> <email>",
	Short: "Show the recorded transitions of one contact",
	Args:  cobra.ExactArgs(2),
	RunE:  runCampaignHistory,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListTenant, "tenant", "", "Filter by tenant")
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (draft, scheduled, running, paused, completed, failed, cancelled)")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")

	campaignContactsCmd.Flags().StringVar(&contactsCraft, "craft", "", "Filter by craft status")
	campaignContactsCmd.Flags().StringVar(&contactsSend, "send", "", "Filter by send status")
	campaignContactsCmd.Flags().IntVar(&contactsLimit, "limit", 50, "Maximum number of contacts to show")

	campaignCmd.AddCommand(campaignListCmd, campaignShowCmd, campaignContactsCmd, campaignHistoryCmd)
	rootCmd.AddCommand(campaignCmd)
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	_, st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Close()

	camps, err := st.ListCampaigns(context.Background(), store.CampaignFilter{
		TenantID: campaignListTenant,
		Status:   campaign.Status(campaignListStatus),
		Limit:    campaignListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(camps) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTENANT\tSTATUS\tPLAN\tCONTACTS\tCREATED")
	fmt.Fprintln(w, "--\t------\t------\t----\t--------\t-------")
	for _, c := range camps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID,
			c.TenantID,
			c.Status,
			c.Plan,
			c.ContactCount,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", len(camps))

	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	_, st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	c, err := st.GetCampaign(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	stats, err := st.Stats(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to get campaign stats: %w", err)
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Name:     %s\n", c.Context.Name)
	fmt.Printf("Tenant:   %s\n", c.TenantID)
	fmt.Printf("Status:   %s\n", c.Status)
	if c.StatusReason != "" {
		fmt.Printf("Reason:   %s\n", c.StatusReason)
	}
	fmt.Printf("Sender:   %s\n", c.Context.SenderEmail)
	fmt.Printf("Plan:     %s (%s)\n", c.Plan, formatLimits(c.RateLimit))
	fmt.Printf("Created:  %s\n", c.CreatedAt.Format(time.RFC3339))
	printTime("Scheduled:", c.ScheduledAt)
	printTime("Started:", c.StartedAt)
	printTime("Finished:", c.FinishedAt)

	fmt.Println("\nProgress:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  Total\t%d\n", stats.Total)
	fmt.Fprintf(w, "  Pending\t%d\n", stats.Pending)
	fmt.Fprintf(w, "  Crafting\t%d\n", stats.Crafting)
	fmt.Fprintf(w, "  Crafted\t%d\n", stats.Crafted)
	fmt.Fprintf(w, "  Queued\t%d\n", stats.Queued)
	fmt.Fprintf(w, "  Sending\t%d\n", stats.Sending)
	fmt.Fprintf(w, "  Sent\t%d\n", stats.Sent)
	fmt.Fprintf(w, "  Craft failed\t%d\n", stats.CraftFailed)
	fmt.Fprintf(w, "  Send failed\t%d\n", stats.SendFailed)
	fmt.Fprintf(w, "  Skipped\t%d\n", stats.Skipped)
	w.Flush()

	return nil
}

func runCampaignContacts(cmd *cobra.Command, args []string) error {
	_, st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Close()

	states, err := st.ListStates(context.Background(), args[0], store.StateFilter{
		Craft: campaign.CraftStatus(contactsCraft),
		Send:  campaign.SendStatus(contactsSend),
		Limit: contactsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}

	if len(states) == 0 {
		fmt.Println("No contacts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tCONTACT\tCRAFT\tSEND\tATTEMPTS\tLAST ERROR")
	fmt.Fprintln(w, "---\t-------\t-----\t----\t--------\t----------")
	for _, s := range states {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\t%s\n",
			s.Seq,
			s.ContactID,
			s.Craft,
			s.Send,
			s.CraftAttempts,
			s.SendAttempts,
			truncate(s.LastError, 60),
		)
	}
	w.Flush()

	return nil
}

func runCampaignHistory(cmd *cobra.Command, args []string) error {
	_, st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Close()

	contactID, err := campaign.NormalizeEmail(args[1])
	if err != nil {
		return err
	}

	history, err := st.History(context.Background(), args[0], contactID)
	if err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tTIME\tFROM\tTO\tATTEMPT\tDETAIL")
	fmt.Fprintln(w, "-------\t----\t----\t--\t-------\t------")
	for _, tr := range history {
		detail := tr.Reason
		if tr.Error != "" {
			detail = tr.Error
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			tr.Version,
			tr.Timestamp.Format("2006-01-02 15:04:05"),
			formatStep(tr.From),
			formatStep(tr.To),
			tr.Attempt,
			truncate(detail, 60),
		)
	}
	w.Flush()

	return nil
}

func formatStep(s campaign.Step) string {
	return fmt.Sprintf("%s/%s", s.Craft, s.Send)
}

func formatLimits(l campaign.RateLimit) string {
	return fmt.Sprintf("%s/s, concurrency %s, %s/h, %s/day",
		formatLimit(l.RatePerSecond),
		formatLimit(float64(l.MaxConcurrency)),
		formatLimit(float64(l.MessagesPerHour)),
		formatLimit(float64(l.MessagesPerDay)),
	)
}

// formatLimit renders zero as unlimited
func formatLimit(v float64) string {
	if v == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%g", v)
}

func printTime(label string, t time.Time) {
	if !t.IsZero() {
		fmt.Printf("%-9s %s\n", label, t.Format(time.RFC3339))
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
