package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/ratelimit"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan commands",
}

var planShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show plans and tenant assignments",
	RunE:  runPlanShow,
}

func init() {
	planCmd.AddCommand(planShowCmd)
	rootCmd.AddCommand(planCmd)
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	plans, err := cfg.PlanSource()
	if err != nil {
		return err
	}

	printPlans(os.Stdout, plans, cfg.Tenants.DefaultPlan)
	return nil
}

func printPlans(out io.Writer, plans *ratelimit.StaticPlans, defaultPlan string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLAN\tRATE/S\tBURST\tCONCURRENCY\tPER HOUR\tPER DAY")
	fmt.Fprintln(w, "----\t------\t-----\t-----------\t--------\t-------")
	for _, p := range plans.Plans() {
		name := p.Name
		if name == defaultPlan {
			name += " (default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			name,
			formatLimit(p.Limits.RatePerSecond),
			p.Limits.Burst,
			formatLimit(float64(p.Limits.MaxConcurrency)),
			formatLimit(float64(p.Limits.MessagesPerHour)),
			formatLimit(float64(p.Limits.MessagesPerDay)),
		)
	}
	w.Flush()

	tenants := plans.Tenants()
	if len(tenants) == 0 {
		return
	}

	ids := make([]string, 0, len(tenants))
	for id := range tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tPLAN")
	fmt.Fprintln(w, "------\t----")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%s\n", id, tenants[id])
	}
	w.Flush()
}
