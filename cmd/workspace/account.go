package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/todo-1m/replicasync/internal/remote"
)

var (
	registerName     string
	registerPassword string
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Register and sign in against the store's users collection",
}

var accountRegisterCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if registerPassword == "" {
			return errors.New("--new-password is required")
		}
		tr := remote.NewHTTPTransport(storeURL, nil, nil)
		raw, err := tr.Create(cmd.Context(), remote.AuthCollection, map[string]string{
			"email":           args[0],
			"password":        registerPassword,
			"passwordConfirm": registerPassword,
			"name":            registerName,
		})
		if err != nil {
			return describe(err)
		}
		fmt.Println(string(raw))
		return nil
	},
}

var accountLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with --email and --password and print the token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if email == "" {
			return errors.New("--email is required")
		}
		res, err := remote.NewHTTPTransport(storeURL, nil, nil).AuthWithPassword(cmd.Context(), email, password)
		if err != nil {
			return describe(err)
		}
		fmt.Println(res.Token)
		return nil
	},
}

var accountRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Trade the current token for a fresh one",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tok, err := resolveToken(cmd.Context())
		if err != nil {
			return err
		}
		res, err := remote.NewHTTPTransport(storeURL, nil, nil).AuthRefresh(remote.WithToken(cmd.Context(), tok))
		if err != nil {
			return describe(err)
		}
		fmt.Println(res.Token)
		return nil
	},
}

// describe appends the store's per-field messages to a validation error.
func describe(err error) error {
	var apiErr *remote.Error
	if !errors.As(err, &apiErr) || len(apiErr.Data) == 0 {
		return err
	}
	msg := apiErr.Message
	for field, detail := range apiErr.Data {
		if d, ok := detail.(map[string]any); ok {
			msg += fmt.Sprintf(" %s: %v", field, d["message"])
		}
	}
	return errors.New(msg)
}

func init() {
	accountRegisterCmd.Flags().StringVar(&registerName, "name", "", "display name")
	accountRegisterCmd.Flags().StringVar(&registerPassword, "new-password", "", "password for the new account")
	accountCmd.AddCommand(accountRegisterCmd, accountLoginCmd, accountRefreshCmd)
	rootCmd.AddCommand(accountCmd)
}
