package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/todo-1m/replicasync/internal/app/workspace"
	"github.com/todo-1m/replicasync/internal/contracts"
)

var listCmd = &cobra.Command{
	Use:       "list <todos|tags|events|notes>",
	Short:     "Fetch and print one collection",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{contracts.CollectionTodos, contracts.CollectionTags, contracts.CollectionEvents, contracts.CollectionNotes},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()

		filter, _ := cmd.Flags().GetString("filter")
		return printCollection(cmd.Context(), c.ws, args[0], contracts.TodoFilter(filter))
	},
}

func printCollection(ctx context.Context, ws *workspace.Workspace, name string, filter contracts.TodoFilter) error {
	switch name {
	case contracts.CollectionTodos:
		if _, err := unwrap(ws.Todos.Gateway.Fetch(ctx)); err != nil {
			return err
		}
		for _, t := range ws.TodosView(filter) {
			mark := " "
			if t.Completed {
				mark = "x"
			}
			fmt.Printf("[%s] %s  %s\n", mark, t.ID, t.Title)
		}
		fmt.Printf("%d of %d remaining\n", ws.RemainingCount(), ws.TotalCount())
	case contracts.CollectionTags:
		tags, err := unwrap(ws.Tags.Gateway.Fetch(ctx))
		if err != nil {
			return err
		}
		for _, t := range tags {
			fmt.Printf("%s  %s %s\n", t.ID, t.Name, t.Color)
		}
	case contracts.CollectionEvents:
		if _, err := unwrap(ws.Events.Gateway.Fetch(ctx)); err != nil {
			return err
		}
		for _, e := range ws.CalendarEntries() {
			fmt.Printf("%s  %s → %s  %s\n", e.ID, e.Start, e.End, e.Title)
		}
	case contracts.CollectionNotes:
		notes, err := unwrap(ws.Notes.Gateway.Fetch(ctx))
		if err != nil {
			return err
		}
		for _, n := range notes {
			pin := " "
			if n.IsPinned {
				pin = "*"
			}
			names := make([]string, 0, len(n.Expand.Tags))
			for _, t := range n.Expand.Tags {
				names = append(names, t.Name)
			}
			fmt.Printf("%s %s  %s [%s]\n", pin, n.ID, n.Title, strings.Join(names, ", "))
		}
	default:
		return fmt.Errorf("unknown collection %q", name)
	}
	return nil
}

func init() {
	listCmd.Flags().String("filter", string(contracts.TodoFilterAll), "todo view: all, active or completed")
	rootCmd.AddCommand(listCmd)
}
