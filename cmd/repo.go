package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zhubert/canopy/internal/repoconfig"
)

var (
	repoName       string
	repoConfigPath string
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage registered repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a git repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoAdd,
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	RunE:  runRepoList,
}

var repoRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Unregister a repository that has no nodes",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoRemove,
}

var repoInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a .canopy/config/scripts.yaml template",
	Long: `Creates .canopy/config/scripts.yaml with commented setup and teardown
sections. Everything under .canopy/config is copied into each new worktree.

Examples:
  canopy repo init                   # Initialize in current directory
  canopy repo init --repo /path/to/repo`,
	RunE: runRepoInit,
}

var repoValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate .canopy/config/scripts.yaml",
	RunE:  runRepoValidate,
}

func init() {
	repoAddCmd.Flags().StringVar(&repoName, "name", "", "Display name (defaults to the directory name)")
	repoInitCmd.Flags().StringVar(&repoConfigPath, "repo", ".", "Path to the repository")
	repoValidateCmd.Flags().StringVar(&repoConfigPath, "repo", ".", "Path to the repository")
	repoCmd.AddCommand(repoAddCmd, repoListCmd, repoRemoveCmd, repoInitCmd, repoValidateCmd)
	rootCmd.AddCommand(repoCmd)
}

func runRepoAdd(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	repo, err := rt.nodes.AddRepository(cmd.Context(), args[0], repoName)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s), default branch %s\n", repo.Name, repo.ID, repo.DefaultBranch)
	return nil
}

func runRepoList(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	repos, err := rt.nodes.Repositories()
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No repositories registered. Use 'canopy repo add <path>'.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEFAULT\tPATH")
	for _, r := range repos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.DefaultBranch, r.Path)
	}
	return w.Flush()
}

func runRepoRemove(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.nodes.RemoveRepository(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed repository %s\n", args[0])
	return nil
}

func runRepoInit(cmd *cobra.Command, _ []string) error {
	fp, err := repoconfig.WriteTemplate(repoConfigPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", fp)
	return nil
}

func runRepoValidate(cmd *cobra.Command, _ []string) error {
	scripts, err := repoconfig.Read(repoConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load scripts config: %w", err)
	}
	if scripts == nil {
		fmt.Fprintln(os.Stderr, "No .canopy/config/scripts.yaml found.")
		return nil
	}

	errs := repoconfig.Validate(scripts)
	if len(errs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Scripts configuration is valid.")
		fmt.Fprintf(cmd.OutOrStdout(), "  Setup: %d command(s)\n", len(scripts.Setup))
		fmt.Fprintf(cmd.OutOrStdout(), "  Teardown: %d command(s)\n", len(scripts.Teardown))
		return nil
	}

	var sb strings.Builder
	sb.WriteString("Scripts configuration has errors:\n")
	for _, e := range errs {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", e.Field, e.Message))
	}
	return fmt.Errorf("%s", sb.String())
}
