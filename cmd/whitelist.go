package cmd

import (
	"fmt"
	"log/slog"

	"github.com/greptilebot/greptilebot/internal/auth"
	"github.com/greptilebot/greptilebot/internal/botconfig"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/spf13/cobra"
)

var whitelistRole string

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage the user whitelist",
}

var whitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List whitelisted users",
	RunE:  runWhitelistList,
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Add a user to the whitelist",
	Args:  cobra.ExactArgs(1),
	RunE:  runWhitelistAdd,
}

var whitelistRemoveCmd = &cobra.Command{
	Use:   "remove <user-id>",
	Short: "Remove a user from the whitelist",
	Args:  cobra.ExactArgs(1),
	RunE:  runWhitelistRemove,
}

func init() {
	rootCmd.AddCommand(whitelistCmd)
	whitelistCmd.AddCommand(whitelistListCmd)
	whitelistCmd.AddCommand(whitelistAddCmd)
	whitelistCmd.AddCommand(whitelistRemoveCmd)

	whitelistAddCmd.Flags().StringVar(&whitelistRole, "role", "user", "Role to grant (user or admin)")
}

// whitelistGate builds a Gate backed by the local store, without the
// API clients the full graph needs.
func whitelistGate() (*auth.Gate, func(), error) {
	cfg, err := botconfig.LoadDefault()
	if err != nil {
		return nil, nil, err
	}

	s, err := openStore()
	if err != nil {
		return nil, nil, err
	}

	gate := auth.NewGate(s, cfg.Owner.ID, slog.Default())

	return gate, func() { _ = s.Close() }, nil
}

func runWhitelistList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	entries, err := s.ListWhitelist()
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("the whitelist is empty")

		return nil
	}

	for _, entry := range entries {
		fmt.Printf("%s\t%s\n", entry.UserID, entry.Role)
	}

	return nil
}

func runWhitelistAdd(cmd *cobra.Command, args []string) error {
	role, err := model.ParseRole(whitelistRole)
	if err != nil {
		return err
	}

	gate, closeStore, err := whitelistGate()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := gate.Grant(args[0], role); err != nil {
		return err
	}

	fmt.Printf("%s now has the %s role\n", args[0], role)

	return nil
}

func runWhitelistRemove(cmd *cobra.Command, args []string) error {
	gate, closeStore, err := whitelistGate()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := gate.Revoke(args[0]); err != nil {
		return err
	}

	fmt.Printf("%s removed from the whitelist\n", args[0])

	return nil
}
