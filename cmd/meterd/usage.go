package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/artpar/meterd/adapters/sqlite"
	"github.com/artpar/meterd/config"
	"github.com/artpar/meterd/domain/usage"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Query usage from the durable store",
	Long: `Query aggregated usage directly from the rollup database.

Reads hourly rollups only; real-time counters for the current hour are
served by the running service, not this command.

Examples:
  meterd usage month --customer=cust_123
  meterd usage month --customer=cust_123 --month=2024-10
  meterd usage day --customer=cust_123 --date=2024-10-01`,
}

var usageMonthCmd = &cobra.Command{
	Use:   "month",
	Short: "Show daily usage for a month",
	RunE:  runUsageMonth,
}

var usageDayCmd = &cobra.Command{
	Use:   "day",
	Short: "Show hourly usage for a day",
	RunE:  runUsageDay,
}

var (
	usageCustomerID string
	usageMonth      string
	usageDate       string
)

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.AddCommand(usageMonthCmd)
	usageCmd.AddCommand(usageDayCmd)

	usageMonthCmd.Flags().StringVar(&usageCustomerID, "customer", "", "customer ID (required)")
	usageMonthCmd.Flags().StringVar(&usageMonth, "month", "", "month as YYYY-MM (default: current month)")

	usageDayCmd.Flags().StringVar(&usageCustomerID, "customer", "", "customer ID (required)")
	usageDayCmd.Flags().StringVar(&usageDate, "date", "", "date as YYYY-MM-DD (default: today)")
}

func openRollups() (*sqlite.DB, *sqlite.RollupStore, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening database: %w", err)
	}
	return db, sqlite.NewRollupStore(db), nil
}

func runUsageMonth(cmd *cobra.Command, args []string) error {
	if usageCustomerID == "" {
		return fmt.Errorf("--customer is required")
	}
	month := usageMonth
	if month == "" {
		month = usage.MonthOf(time.Now().UTC())
	}

	db, rollups, err := openRollups()
	if err != nil {
		return err
	}
	defer db.Close()

	aggs, err := rollups.QueryMonth(context.Background(), usageCustomerID, month)
	if err != nil {
		return fmt.Errorf("error querying rollups: %w", err)
	}
	if len(aggs) == 0 {
		fmt.Printf("No usage recorded for %s in %s\n", usageCustomerID, month)
		return nil
	}

	daily := map[string]*usage.HourlyAggregate{}
	endpoints := map[string]int64{}
	var totalReq, totalErr int64
	for _, agg := range aggs {
		day := usage.DayOfHour(agg.DateHour)
		if acc, ok := daily[day]; ok {
			acc.Merge(agg)
		} else {
			acc := usage.NewHourlyAggregate(usage.HourKey{CustomerID: usageCustomerID, DateHour: day})
			acc.Merge(agg)
			daily[day] = acc
		}
		for ep, n := range agg.Endpoints {
			endpoints[ep] += n
		}
		totalReq += agg.Requests
		totalErr += agg.Errors
	}

	fmt.Printf("Usage for %s in %s\n\n", usageCustomerID, month)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tREQUESTS\tERRORS\tAVG LATENCY")
	for _, day := range sortedKeys(daily) {
		acc := daily[day]
		fmt.Fprintf(w, "%s\t%d\t%d\t%dms\n", day, acc.Requests, acc.Errors, acc.MeanLatencyMs())
	}
	w.Flush()

	fmt.Printf("\nTotal: %d requests, %d errors (%.2f%% error rate)\n",
		totalReq, totalErr, usage.ErrorRate(totalErr, totalReq))

	top := usage.RankEndpoints(endpoints, usage.MaxTopEndpoints)
	if len(top) > 0 {
		fmt.Println("\nTop endpoints:")
		for _, ep := range top {
			fmt.Printf("  %8d  %s\n", ep.Count, ep.Endpoint)
		}
	}
	return nil
}

func runUsageDay(cmd *cobra.Command, args []string) error {
	if usageCustomerID == "" {
		return fmt.Errorf("--customer is required")
	}
	date := usageDate
	if date == "" {
		date = usage.DayOf(time.Now().UTC())
	}

	db, rollups, err := openRollups()
	if err != nil {
		return err
	}
	defer db.Close()

	aggs, err := rollups.QueryDay(context.Background(), usageCustomerID, date)
	if err != nil {
		return fmt.Errorf("error querying rollups: %w", err)
	}
	if len(aggs) == 0 {
		fmt.Printf("No usage recorded for %s on %s\n", usageCustomerID, date)
		return nil
	}

	fmt.Printf("Usage for %s on %s\n\n", usageCustomerID, date)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOUR\tREQUESTS\tERRORS\tAVG LATENCY\tAPI KEYS")
	var totalReq, totalErr int64
	for _, agg := range aggs {
		fmt.Fprintf(w, "%s\t%d\t%d\t%dms\t%d\n",
			agg.DateHour, agg.Requests, agg.Errors, agg.MeanLatencyMs(), agg.UniqueAPIKeys())
		totalReq += agg.Requests
		totalErr += agg.Errors
	}
	w.Flush()

	fmt.Printf("\nTotal: %d requests, %d errors\n", totalReq, totalErr)
	return nil
}

func sortedKeys(m map[string]*usage.HourlyAggregate) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
