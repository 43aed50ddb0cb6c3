package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/todo-1m/replicasync/internal/autosave"
	"github.com/todo-1m/replicasync/internal/contracts"
)

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Manage notes",
}

var noteAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()

		in := contracts.CreateNote{Title: args[0]}
		if cmd.Flags().Changed("content") {
			content, _ := cmd.Flags().GetString("content")
			in.Content = &content
		}
		if pinned, _ := cmd.Flags().GetBool("pinned"); pinned {
			in.IsPinned = contracts.Ptr(true)
		}
		in.Tags, _ = cmd.Flags().GetStringSlice("tag")

		note, err := unwrap(c.ws.Notes.Gateway.Create(cmd.Context(), in))
		if err != nil {
			return err
		}
		fmt.Printf("CREATED %s %s\n", note.ID, note.Title)
		return nil
	},
}

var noteEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a note through the debounced autosave path",
	Long: `Schedules the edit the same way an editor would while typing: the
change is sent once the debounce delay passes without a newer edit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()

		var patch contracts.NotePatch
		if cmd.Flags().Changed("title") {
			title, _ := cmd.Flags().GetString("title")
			patch.Title = &title
		}
		if cmd.Flags().Changed("content") {
			content, _ := cmd.Flags().GetString("content")
			patch.Content = &content
		}
		if patch.Title == nil && patch.Content == nil {
			return fmt.Errorf("nothing to change: pass --title or --content")
		}
		debounce, _ := cmd.Flags().GetDuration("debounce")

		saved := make(chan contracts.Note, 1)
		c.ws.AutoSave(args[0], patch, debounce, func(n contracts.Note) { saved <- n })

		select {
		case n := <-saved:
			fmt.Printf("SAVED %s %s\n", n.ID, n.Updated.Format(time.RFC3339))
			return nil
		case <-time.After(debounce + autosave.DefaultTimeout):
			if msg := c.ws.Notes.LastError(); msg != "" {
				return fmt.Errorf("%s", msg)
			}
			return fmt.Errorf("note %s was not saved", args[0])
		case <-cmd.Context().Done():
			c.ws.CancelAutoSave(args[0])
			return cmd.Context().Err()
		}
	},
}

var notePinCmd = &cobra.Command{
	Use:   "pin <id>",
	Short: "Toggle whether a note is pinned",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := unwrap(c.ws.Notes.Gateway.Fetch(cmd.Context())); err != nil {
			return err
		}
		note, err := unwrap(c.ws.TogglePin(cmd.Context(), args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("UPDATED %s pinned=%t\n", note.ID, note.IsPinned)
		return nil
	},
}

func init() {
	noteAddCmd.Flags().String("content", "", "note body")
	noteAddCmd.Flags().Bool("pinned", false, "pin the note")
	noteAddCmd.Flags().StringSlice("tag", nil, "tag id (repeatable)")

	noteEditCmd.Flags().String("title", "", "new title")
	noteEditCmd.Flags().String("content", "", "new content")
	noteEditCmd.Flags().Duration("debounce", autosave.DefaultDelay, "autosave debounce delay")

	noteCmd.AddCommand(noteAddCmd, noteEditCmd, notePinCmd)
	rootCmd.AddCommand(noteCmd)
}
