package cmd

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/greptilebot/greptilebot/internal/botconfig"
	"github.com/greptilebot/greptilebot/internal/gh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage credentials",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with GitHub via the device flow",
	Long: `Authenticate with GitHub using the OAuth device flow and store the
resulting token in the operator config. The token is passed to the
indexing service so it can read your repositories.`,
	RunE: runAuthLogin,
}

var authSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Store the Greptile API key",
	RunE:  runAuthSetup,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which credentials are configured",
	RunE:  runAuthStatus,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authSetupCmd)
	authCmd.AddCommand(authStatusCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	cfg, err := botconfig.LoadDefault()
	if err != nil {
		return err
	}

	flow := gh.NewOAuthFlow([]string{"repo", "read:org"})
	flow.OnDeviceCode(func(code, verificationURL string) {
		fmt.Printf("First copy your one-time code: %s\n", code)
		fmt.Printf("Then open %s to authorize\n", verificationURL)
	})

	result, err := flow.Run(cmd.Context())
	if err != nil {
		return err
	}

	cfg.Credentials.GitHubToken = result.Token

	if err := cfg.Save(); err != nil {
		return err
	}

	fmt.Printf("authenticated as %s\n", result.Username)

	return nil
}

func runAuthSetup(cmd *cobra.Command, args []string) error {
	cfg, err := botconfig.LoadDefault()
	if err != nil {
		return err
	}

	fmt.Print("Greptile API key: ")

	key, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()

	if err != nil {
		return fmt.Errorf("reading API key: %w", err)
	}

	apiKey := strings.TrimSpace(string(key))
	if apiKey == "" {
		return fmt.Errorf("API key must not be empty")
	}

	cfg.Credentials.GreptileAPIKey = apiKey

	if err := cfg.Save(); err != nil {
		return err
	}

	fmt.Println("API key saved")

	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	cfg, err := botconfig.LoadDefault()
	if err != nil {
		return err
	}

	if cfg.Credentials.GreptileAPIKey != "" {
		fmt.Println("Greptile API key: configured")
	} else {
		fmt.Println("Greptile API key: missing (run auth setup)")
	}

	if cfg.Credentials.GitHubToken == "" {
		fmt.Println("GitHub token: missing (run auth login)")

		return nil
	}

	valid, username, err := gh.ValidateToken(cmd.Context(), cfg.Credentials.GitHubToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "GitHub token: could not validate (%v)\n", err)

		return nil
	}

	if valid {
		fmt.Printf("GitHub token: valid (%s)\n", username)
	} else {
		fmt.Println("GitHub token: expired or revoked (run auth login)")
	}

	if cfg.Owner.ID != "" {
		fmt.Printf("Owner: %s\n", cfg.Owner.ID)
	} else {
		fmt.Println("Owner: not configured (set [owner] id in the config file)")
	}

	return nil
}
