package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/todo-1m/replicasync/internal/contracts"
)

var todoCmd = &cobra.Command{
	Use:   "todo",
	Short: "Manage todos",
}

var todoAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a todo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()

		todo, err := unwrap(c.ws.Todos.Gateway.Create(cmd.Context(), contracts.CreateTodo{Title: args[0]}))
		if err != nil {
			return err
		}
		fmt.Printf("CREATED %s %s\n", todo.ID, todo.Title)
		return nil
	},
}

var todoToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Flip a todo between open and completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := unwrap(c.ws.Todos.Gateway.Fetch(cmd.Context())); err != nil {
			return err
		}
		todo, err := unwrap(c.ws.ToggleCompleted(cmd.Context(), args[0]))
		if err != nil {
			return err
		}
		state := "open"
		if todo.Completed {
			state = "completed"
		}
		fmt.Printf("UPDATED %s %s\n", todo.ID, state)
		return nil
	},
}

var todoDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a todo",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := unwrap(c.ws.Todos.Gateway.Delete(cmd.Context(), args[0])); err != nil {
			return err
		}
		fmt.Printf("DELETED %s\n", args[0])
		return nil
	},
}

func init() {
	todoCmd.AddCommand(todoAddCmd, todoToggleCmd, todoDeleteCmd)
	rootCmd.AddCommand(todoCmd)
}
