package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/amerfu/tokengate/internal/models"
	"github.com/amerfu/tokengate/internal/services/requestlog"
)

// NewLogsCommand creates a new request log command
func NewLogsCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect request logs",
		Long:  "List and prune the per-request accounting log",
	}

	cmd.AddCommand(newLogsListCommand(ctx))
	cmd.AddCommand(newLogsPruneCommand(ctx))

	return cmd
}

func newLogsListCommand(ctx context.Context) *cobra.Command {
	var team, model, outcome, since, until string
	var page, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List request log entries",
		Long:  "List request log entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := requestlog.Filter{
				TeamName: team,
				Model:    model,
				Outcome:  outcome,
				Page:     page,
				PageSize: limit,
			}

			var err error
			if filter.Since, err = parseTimeFlag(since); err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			if filter.Until, err = parseTimeFlag(until); err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}

			if IsDirectDBAccess() {
				return listLogsDB(ctx, filter)
			} else if IsAPIAccess() {
				return listLogsAPI(filter)
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().StringVar(&team, "team", "", "Filter by team name")
	cmd.Flags().StringVar(&model, "model", "", "Filter by model")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Filter by outcome (success, quota_exceeded, upstream_error, partial_failure, client_error)")
	cmd.Flags().StringVar(&since, "since", "", "Only entries at or after this RFC3339 time")
	cmd.Flags().StringVar(&until, "until", "", "Only entries before this RFC3339 time")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 50, "Results per page")

	return cmd
}

func newLogsPruneCommand(ctx context.Context) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old request log entries",
		Long:  "Delete request log entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !IsDirectDBAccess() {
				return fmt.Errorf("prune requires direct database access, set --db-url")
			}

			cutoff := time.Now().Add(-olderThan)
			deleted, err := requestlog.NewGormStore(db).Prune(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("failed to prune logs: %w", err)
			}

			fmt.Printf("Pruned %d entries older than %s\n", deleted, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Delete entries older than this duration")

	return cmd
}

func listLogsDB(ctx context.Context, filter requestlog.Filter) error {
	entries, total, err := requestlog.NewGormStore(db).List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list logs: %w", err)
	}

	if outputJSON {
		OutputJSON(map[string]interface{}{"logs": entries, "total": total})
	} else {
		printLogTable(entries)
		fmt.Printf("\n%d entr(ies) total\n", total)
	}

	return nil
}

func listLogsAPI(filter requestlog.Filter) error {
	params := url.Values{}
	if filter.TeamName != "" {
		params.Set("team", filter.TeamName)
	}
	if filter.Model != "" {
		params.Set("model", filter.Model)
	}
	if filter.Outcome != "" {
		params.Set("outcome", filter.Outcome)
	}
	if !filter.Since.IsZero() {
		params.Set("since", filter.Since.Format(time.RFC3339))
	}
	if !filter.Until.IsZero() {
		params.Set("until", filter.Until.Format(time.RFC3339))
	}
	params.Set("page", strconv.Itoa(filter.Page))
	params.Set("limit", strconv.Itoa(filter.PageSize))

	resp, err := APIRequest(http.MethodGet, "/api/admin/logs?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var list struct {
		Logs  []models.RequestLog `json:"logs"`
		Total int64               `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if outputJSON {
		OutputJSON(map[string]interface{}{"logs": list.Logs, "total": list.Total})
	} else {
		printLogTable(list.Logs)
		fmt.Printf("\n%d entr(ies) total\n", list.Total)
	}

	return nil
}

func printLogTable(entries []models.RequestLog) {
	headers := []string{"Time", "Team", "Model", "Tokens", "Outcome"}
	var rows [][]string
	for _, entry := range entries {
		rows = append(rows, []string{
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			entry.TeamName,
			entry.Model,
			strconv.FormatInt(entry.TokensConsumed, 10),
			entry.Outcome,
		})
	}
	OutputTable(headers, rows)
}

func parseTimeFlag(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}
