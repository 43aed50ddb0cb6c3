package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/todo-1m/replicasync/internal/replica"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Load the workspace and print replica changes until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := openClient(ctx, true)
		if err != nil {
			return err
		}
		defer c.Close()

		ws := c.ws
		defer printChanges(ws.Todos.Name, ws.Todos.Replica)()
		defer printChanges(ws.Tags.Name, ws.Tags.Replica)()
		defer printChanges(ws.Events.Name, ws.Events.Replica)()
		defer printChanges(ws.Notes.Name, ws.Notes.Replica)()

		if err := ws.Init(ctx); err != nil {
			return err
		}
		fmt.Printf("watching %d todos (%d open), %d tags, %d events, %d notes\n",
			ws.TotalCount(), ws.RemainingCount(), ws.Tags.Replica.Len(), ws.Events.Replica.Len(), ws.Notes.Replica.Len())

		<-ctx.Done()
		if ctx.Err() == context.Canceled {
			fmt.Println("stopped")
		}
		return nil
	},
}

func printChanges[T replica.Keyed](name string, rep *replica.Replica[T]) (cancel func()) {
	return rep.Subscribe(func(ch replica.Change[T]) {
		if ch.ID != "" {
			fmt.Printf("%-7s %-11s %s (%d)\n", name, ch.Op, ch.ID, len(ch.Items))
			return
		}
		fmt.Printf("%-7s %-11s (%d)\n", name, ch.Op, len(ch.Items))
	})
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
