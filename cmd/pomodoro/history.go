package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/pomodoro/internal/config"
	"github.com/goodtune/pomodoro/internal/storage"
	"github.com/spf13/cobra"
)

var (
	historySince time.Duration
	historyKind  string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded pomodoros",
	Long:  `List started, paused and completed pomodoros from the history store.`,
	Example: `  pomodoro history
  pomodoro history --since 24h --kind completed`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().DurationVar(&historySince, "since", 7*24*time.Hour, "Show records newer than this")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Only show started, paused or completed records")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum records to show (0 = all)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	filter := storage.HistoryFilter{Limit: historyLimit}
	if historyKind != "" {
		kind, err := storage.ParseEventKind(historyKind)
		if err != nil {
			return err
		}
		filter.Kind = kind
	}
	since := time.Now().Add(-historySince)
	filter.StartTime = &since

	loc, err := time.LoadLocation(cfg.Display.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load display timezone: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	records, err := store.History().List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	printHistory(cmd, records, loc)
	return nil
}

func printHistory(cmd *cobra.Command, records []storage.Record, loc *time.Location) {
	out := cmd.OutOrStdout()
	bold := color.New(color.Bold)

	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No pomodoros recorded in this period.")
		return
	}

	_, _ = bold.Fprintf(out, "%-19s  %-9s  %-6s  %s\n", "TIME", "EVENT", "SOURCE", "DETAIL")
	completed := 0
	for _, rec := range records {
		_, _ = fmt.Fprintf(out, "%-19s  ", rec.At.In(loc).Format("2006-01-02 15:04:05"))
		_, _ = kindColor(rec.Kind).Fprintf(out, "%-9s", rec.Kind)
		_, _ = fmt.Fprintf(out, "  %-6s  %s\n", rec.Source, detail(rec))
		if rec.Kind == storage.EventCompleted {
			completed++
		}
	}

	_, _ = bold.Fprintf(out, "\n%d record(s), %d completed\n", len(records), completed)
}

func kindColor(kind storage.EventKind) *color.Color {
	switch kind {
	case storage.EventCompleted:
		return color.New(color.FgGreen, color.Bold)
	case storage.EventPaused:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func detail(rec storage.Record) string {
	switch rec.Kind {
	case storage.EventStarted, storage.EventCompleted:
		if rec.DurationMinutes > 0 {
			return fmt.Sprintf("%d min", rec.DurationMinutes)
		}
	case storage.EventPaused:
		if rec.SecsRemaining > 0 {
			return fmt.Sprintf("%d:%02d left", rec.SecsRemaining/60, rec.SecsRemaining%60)
		}
	}
	return ""
}
