package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gua-tian/server/internal/timeline"
)

func newTimelineCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <items.json>",
		Short: "Summarize a JSON array of items into a timeline",
		Long:  `Reads [{"id","title","content","date"}] and prints the narrative. Without an API key a chronological list is printed.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read items: %w", err)
			}
			var items []timeline.Item
			if err := json.Unmarshal(raw, &items); err != nil {
				return fmt.Errorf("parse items: %w", err)
			}

			narrative, err := timeline.FromConfig(g.cfg, g.log).Analyze(cmd.Context(), items)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), narrative)
			return nil
		},
	}
}
