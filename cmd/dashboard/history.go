package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/h2-dashboard/backend/internal/archive"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/spf13/cobra"
)

var (
	historyStart    string
	historyEnd      string
	historyInterval int
	historySource   string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Fetch a historical range and print it as JSON",
	Example: `  dashboard history --start 2025-01-01T00:00:00Z --end 2025-01-02T00:00:00Z --interval 15
  dashboard history --source archive --start 2025-01-01T00:00:00Z --end 2025-01-01T06:00:00Z`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyStart, "start", "", "range start (RFC 3339)")
	historyCmd.Flags().StringVar(&historyEnd, "end", "", "range end (RFC 3339), defaults to now")
	historyCmd.Flags().IntVar(&historyInterval, "interval", 5, "aggregation interval in minutes")
	historyCmd.Flags().StringVar(&historySource, "source", "backend", "backend or archive")
	historyCmd.MarkFlagRequired("start")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	start, err := time.Parse(time.RFC3339, historyStart)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end := time.Now()
	if historyEnd != "" {
		if end, err = time.Parse(time.RFC3339, historyEnd); err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
	}

	var points []models.SensorDataPoint
	switch historySource {
	case "backend":
		points, err = newFetcher().FetchRange(cmd.Context(), start, end, historyInterval)
	case "archive":
		var arc *archive.Store
		arc, err = archive.Open(archive.Options{
			Path:        cfg.Archive.Path,
			MemoryLimit: cfg.Archive.MemoryLimit,
			Threads:     cfg.Archive.Threads,
			Log:         logging.Component(logger, "archive"),
		})
		if err != nil {
			return err
		}
		defer arc.Close()
		points, err = arc.Range(cmd.Context(), start, end)
	default:
		return fmt.Errorf("unknown --source %q", historySource)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"success": true,
		"count":   len(points),
		"data":    points,
	})
}
