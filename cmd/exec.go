package cmd

import (
	"fmt"
	"strings"

	"github.com/greptilebot/greptilebot/internal/bot"
	"github.com/spf13/cobra"
)

var execUserID string

var execCmd = &cobra.Command{
	Use:   "exec <command> [args...]",
	Short: "Run one bot command as a given user",
	Long: `Run a single bot command through the full authorization and quota
pipeline, exactly as a chat message would be handled. Useful for
testing role and quota configuration.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVarP(&execUserID, "user", "u", "", "User ID to run the command as (required)")
	_ = execCmd.MarkFlagRequired("user")
}

func runExec(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	inv := &bot.Invocation{
		UserID:    execUserID,
		ChannelID: "cli",
		Command:   strings.ToLower(args[0]),
		Args:      args[1:],
	}

	result := a.bot.Execute(cmd.Context(), inv)

	fmt.Println(result.Text)

	if result.Outcome == bot.Failed {
		return result.Err
	}

	return nil
}
