package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/billing"
	"github.com/ManuelReschke/MemberFox/internal/pkg/bootstrap"
)

func refreshStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-stats",
		Short: "Recompute the membership counters from all rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			return withServices(cmd.Context(), func(svc *bootstrap.Services) error {
				res, err := svc.Maintainer.RefreshStats(cmd.Context(), by)
				if err != nil {
					return err
				}
				fmt.Printf("Recomputed %d counters from %d memberships\n", len(res.Current.Counters), res.Memberships)
				if len(res.Drift) == 0 {
					fmt.Println("No drift")
					return nil
				}
				keys := make([]string, 0, len(res.Drift))
				for k := range res.Drift {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "COUNTER\tDRIFT")
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%+d\n", k, res.Drift[k])
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().String("by", models.PerformedBySystem, "Actor recorded in the audit log")
	return cmd
}

func cleanupEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup-events",
		Short: "Delete webhook ledger rows older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			if days < 1 {
				return fmt.Errorf("--days must be positive")
			}
			return withServices(cmd.Context(), func(svc *bootstrap.Services) error {
				deleted, err := billing.DrainOldEvents(cmd.Context(), svc.Gate, days, svc.Metrics)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d webhook events older than %d days\n", deleted, days)
				return nil
			})
		},
	}
	cmd.Flags().IntP("days", "d", billing.DefaultRetentionDays, "Retention in days")
	return cmd
}

func nextNumberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next-number",
		Short: "Allocate a membership number (consumes it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			year, _ := cmd.Flags().GetInt("year")
			if year == 0 {
				year = time.Now().UTC().Year()
			}
			return withServices(cmd.Context(), func(svc *bootstrap.Services) error {
				number, err := svc.Numbers.Next(cmd.Context(), year)
				if err != nil {
					return err
				}
				fmt.Println(number)
				return nil
			})
		},
	}
	cmd.Flags().IntP("year", "y", 0, "Numbering year (default: current year)")
	return cmd
}

func expiringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expiring",
		Short: "List active memberships ending within the given days",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			asJSON, _ := cmd.Flags().GetBool("json")
			return withServices(cmd.Context(), func(svc *bootstrap.Services) error {
				memberships, err := svc.Store.GetExpiringMemberships(cmd.Context(), days)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(memberships)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MEMBERSHIP\tUSER\tPLAN\tSTATUS\tENDS")
				for _, m := range memberships {
					ends := "-"
					if m.EndDate != nil {
						ends = m.EndDate.Format("2006-01-02")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.UserID, m.PlanType, m.Status, ends)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntP("days", "d", 30, "Look-ahead window in days")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}
