package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhubert/canopy/internal/logger"
	"github.com/zhubert/canopy/internal/node"
)

var skipConfirm bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove orphaned worktrees and log files",
	Long: `Prunes worktree directories under each repository's .canopy/worktrees
that no node points at, deletes their canopy/ branches, and removes log files.

It will prompt for confirmation before proceeding unless the --yes flag is used.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(cleanCmd)
}

// orphanPruner finds and removes worktrees without a node.
type orphanPruner interface {
	FindOrphanedWorktrees() ([]node.OrphanedWorktree, error)
	PruneOrphanedWorktrees(ctx context.Context) (int, error)
}

func runClean(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()
	return runCleanWithReader(cmd.Context(), rt.nodes, os.Stdin, cmd.OutOrStdout())
}

// runCleanWithReader allows injecting a reader for testing
func runCleanWithReader(ctx context.Context, pruner orphanPruner, input io.Reader, out io.Writer) error {
	orphans, err := pruner.FindOrphanedWorktrees()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error finding orphaned worktrees: %v\n", err)
	}

	fmt.Fprintln(out, "This will clean:")
	if len(orphans) > 0 {
		fmt.Fprintf(out, "  - %d orphaned worktree(s)\n", len(orphans))
		for _, orphan := range orphans {
			fmt.Fprintf(out, "      %s\n", orphan.Path)
		}
	}
	fmt.Fprintln(out, "  - All log files in ~/.canopy/logs")

	// Confirm unless --yes flag is set
	if !skipConfirm {
		if !confirm(input, out, "Continue?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	pruned := 0
	if len(orphans) > 0 {
		pruned, err = pruner.PruneOrphanedWorktrees(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error pruning worktrees: %v\n", err)
		}
	}

	logsCleared, err := logger.ClearLogs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error clearing logs: %v\n", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Cleaned:")
	if pruned > 0 {
		fmt.Fprintf(out, "  - %d orphaned worktree(s) pruned\n", pruned)
	}
	if logsCleared > 0 {
		fmt.Fprintf(out, "  - %d log file(s) removed\n", logsCleared)
	}
	if pruned == 0 && logsCleared == 0 {
		fmt.Fprintln(out, "  nothing")
	}
	return nil
}

// confirm prompts the user for y/n confirmation
func confirm(input io.Reader, out io.Writer, prompt string) bool {
	reader := bufio.NewReader(input)
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
