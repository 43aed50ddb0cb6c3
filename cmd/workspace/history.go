package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/todo-1m/replicasync/internal/app/changelog"
	"github.com/todo-1m/replicasync/internal/platform/env"
)

var (
	changeLogURL  string
	historyRecord string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history [collection]",
	Short: "Show recent changes recorded by the change sink",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := resolveToken(cmd.Context())
		if err != nil {
			return err
		}
		params := url.Values{}
		if len(args) == 1 {
			params.Set("collection", args[0])
		}
		if historyRecord != "" {
			params.Set("record", historyRecord)
		}
		if historyLimit > 0 {
			params.Set("limit", strconv.Itoa(historyLimit))
		}

		target := strings.TrimRight(changeLogURL, "/") + "/api/changes?" + params.Encode()
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetch history: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch history: status %d", resp.StatusCode)
		}

		var body struct {
			Items []changelog.Change `json:"items"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
		for _, c := range body.Items {
			fmt.Printf("%6d %s %-6s %-7s %s\n", c.Seq, c.ReceivedAt.Format("2006-01-02 15:04:05"), c.Action, c.Collection, c.RecordID)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&changeLogURL, "changes-url", env.String("CHANGELOG_URL", env.DefaultChangeLogURL), "base URL of the change sink")
	historyCmd.Flags().StringVar(&historyRecord, "record", "", "only changes to this record id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "maximum number of changes")
	rootCmd.AddCommand(historyCmd)
}
