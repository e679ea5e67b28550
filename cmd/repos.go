package cmd

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/greptilebot/greptilebot/internal/cli"
	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/spf13/cobra"
)

var (
	reposPlain  bool
	reposBranch string
)

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage tracked repositories",
}

var reposListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked repositories",
	RunE:  runReposList,
}

var reposAddCmd = &cobra.Command{
	Use:   "add <owner/name>",
	Short: "Submit a repository for indexing",
	Args:  cobra.ExactArgs(1),
	RunE:  runReposAdd,
}

var reposRemoveCmd = &cobra.Command{
	Use:   "remove-all",
	Short: "Stop tracking every repository",
	RunE:  runReposRemoveAll,
}

var reposReindexCmd = &cobra.Command{
	Use:   "reindex [owner/name]",
	Short: "Force a fresh indexing run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReposReindex,
}

var reposReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Refresh indexing status for all tracked repositories now",
	RunE:  runReposReconcile,
}

func init() {
	rootCmd.AddCommand(reposCmd)
	reposCmd.AddCommand(reposListCmd)
	reposCmd.AddCommand(reposAddCmd)
	reposCmd.AddCommand(reposRemoveCmd)
	reposCmd.AddCommand(reposReindexCmd)
	reposCmd.AddCommand(reposReconcileCmd)

	reposListCmd.Flags().BoolVar(&reposPlain, "plain", false, "Print a plain listing instead of the interactive view")
	reposAddCmd.Flags().StringVarP(&reposBranch, "branch", "b", "", "Branch to index (defaults to the repository's default branch)")
	reposReindexCmd.Flags().StringVarP(&reposBranch, "branch", "b", "", "Branch of the repository to reindex")
}

func runReposList(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	repos, err := a.manager.List()
	if err != nil {
		return err
	}

	if reposPlain || len(repos) == 0 {
		if len(repos) == 0 {
			fmt.Println("no repositories are tracked")

			return nil
		}

		for _, repo := range repos {
			line := fmt.Sprintf("%s (%s) %s", repo.FullName(), repo.Branch, repo.Status)
			if repo.Status == model.StatusIndexing {
				line = fmt.Sprintf("%s %d%%", line, repo.Progress)
			}

			fmt.Println(line)
		}

		return nil
	}

	m := cli.NewRepoList(repos)

	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}

	if listModel, ok := final.(cli.RepoListModel); ok {
		if selected := listModel.GetSelectedRepo(); selected != nil {
			fmt.Printf("%s (%s): %s, %d%%\n",
				selected.FullName(), selected.Branch, selected.Status, selected.Progress)
		}
	}

	return nil
}

func runReposAdd(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	owner, name, ok := splitRepoArg(args[0])
	if !ok {
		return fmt.Errorf("invalid repository %q (expected owner/name)", args[0])
	}

	repo, err := a.manager.Submit(cmd.Context(), "github", owner, name, reposBranch, false)
	if err != nil {
		return err
	}

	fmt.Printf("submitted %s (branch %s) for indexing\n", repo.FullName(), repo.Branch)

	return nil
}

func runReposRemoveAll(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	repos, err := a.manager.List()
	if err != nil {
		return err
	}

	if err := a.manager.RemoveAll(cmd.Context()); err != nil {
		return err
	}

	fmt.Printf("stopped tracking %d repositories\n", len(repos))

	return nil
}

func runReposReindex(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		resubmitted, err := a.manager.ReindexAll(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("resubmitted %d repositories\n", len(resubmitted))

		return nil
	}

	owner, name, ok := splitRepoArg(args[0])
	if !ok {
		return fmt.Errorf("invalid repository %q (expected owner/name)", args[0])
	}

	branch := reposBranch
	if branch == "" {
		fmt.Fprintln(os.Stderr, "no branch given; using the configured default")
	}

	repo, err := a.manager.Submit(cmd.Context(), "github", owner, name, branch, true)
	if err != nil {
		return err
	}

	fmt.Printf("resubmitted %s (branch %s)\n", repo.FullName(), repo.Branch)

	return nil
}

func runReposReconcile(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	a.manager.Reconcile(cmd.Context())
	fmt.Println("reconcile complete")

	return runReposListPlain(a)
}

func runReposListPlain(a *app) error {
	repos, err := a.manager.List()
	if err != nil {
		return err
	}

	for _, repo := range repos {
		fmt.Printf("%s (%s) %s %d%%\n", repo.FullName(), repo.Branch, repo.Status, repo.Progress)
	}

	return nil
}

// splitRepoArg splits "owner/name" for the CLI surface.
func splitRepoArg(s string) (owner, name string, ok bool) {
	for i := range s {
		if s[i] == '/' {
			if i == 0 || i == len(s)-1 {
				return "", "", false
			}

			return s[:i], s[i+1:], true
		}
	}

	return "", "", false
}
