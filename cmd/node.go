package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhubert/canopy/internal/config"
	"github.com/zhubert/canopy/internal/jobs"
	"github.com/zhubert/canopy/internal/node"
	"github.com/zhubert/canopy/internal/progress"
)

var (
	nodeRepoID     string
	nodeBaseBranch string
	nodeName       string
	nodeBranch     string
	nodeCount      int
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Create and manage nodes",
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create nodes and wait for their worktrees",
	Long: `Creates one or more nodes in a repository and streams initialization
progress until every worktree is ready or has failed.

Without --base the repository's default branch is used and may fall back to
main, master or trunk. With --base only that branch is accepted.

Examples:
  canopy node create --repo <id>
  canopy node create --repo <id> --base develop --name login-fix
  canopy node create --repo <id> --branch feature/existing
  canopy node create --repo <id> --count 3`,
	RunE: runNodeCreate,
}

var nodeRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry initialization of a failed node",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeRetry,
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a node with its worktree and branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeDelete,
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes",
	RunE:  runNodeList,
}

var nodeStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a node's worktree status",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeStatus,
}

func init() {
	nodeCreateCmd.Flags().StringVar(&nodeRepoID, "repo", "", "Repository ID")
	nodeCreateCmd.Flags().StringVar(&nodeBaseBranch, "base", "", "Base branch (no fallback when set)")
	nodeCreateCmd.Flags().StringVar(&nodeName, "name", "", "Node name, used as canopy/<name>")
	nodeCreateCmd.Flags().StringVar(&nodeBranch, "branch", "", "Check out an existing local branch instead")
	nodeCreateCmd.Flags().IntVar(&nodeCount, "count", 1, "Number of nodes to create")
	nodeCreateCmd.MarkFlagRequired("repo")
	nodeListCmd.Flags().StringVar(&nodeRepoID, "repo", "", "Only list nodes of this repository")

	nodeCmd.AddCommand(nodeCreateCmd, nodeRetryCmd, nodeDeleteCmd, nodeListCmd, nodeStatusCmd)
	rootCmd.AddCommand(nodeCmd)
}

func validateCreateFlags() error {
	if nodeCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	if nodeCount > 1 && (nodeName != "" || nodeBranch != "") {
		return fmt.Errorf("--count cannot be combined with --name or --branch")
	}
	if nodeBranch != "" && (nodeName != "" || nodeBaseBranch != "") {
		return fmt.Errorf("--branch cannot be combined with --name or --base")
	}
	return nil
}

func runNodeCreate(cmd *cobra.Command, _ []string) error {
	if err := validateCreateFlags(); err != nil {
		return err
	}
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	out := cmd.OutOrStdout()
	unsubscribe := rt.engine.SubscribeProgress(progressPrinter(out))
	defer unsubscribe()

	var mu sync.Mutex
	var created []*config.Node
	g, ctx := errgroup.WithContext(cmd.Context())
	for i := 0; i < nodeCount; i++ {
		g.Go(func() error {
			var n *config.Node
			var err error
			if nodeBranch != "" {
				n, err = rt.nodes.CreateFromBranch(ctx, nodeRepoID, nodeBranch)
			} else {
				n, err = rt.nodes.Create(ctx, node.CreateOptions{
					RepositoryID: nodeRepoID,
					BaseBranch:   nodeBaseBranch,
					Name:         nodeName,
				})
			}
			if err != nil {
				return err
			}
			mu.Lock()
			created = append(created, n)
			mu.Unlock()
			fmt.Fprintf(out, "Created node %s (%s) on %s\n", n.Name, n.ID, n.Branch)
			return nil
		})
	}
	createErr := g.Wait()

	ids := make([]string, len(created))
	for i, n := range created {
		ids[i] = n.ID
	}
	if err := awaitNodes(cmd.Context(), rt, out, ids); err != nil {
		return err
	}
	return createErr
}

func runNodeRetry(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	out := cmd.OutOrStdout()
	unsubscribe := rt.engine.SubscribeProgress(progressPrinter(out))
	defer unsubscribe()

	n, err := rt.nodes.Retry(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Retrying node %s from %s\n", n.Name, n.BaseBranch)
	return awaitNodes(cmd.Context(), rt, out, []string{n.ID})
}

// awaitNodes blocks until every job finishes and reports failures. When ctx
// is cancelled the jobs are cancelled too and awaited.
func awaitNodes(ctx context.Context, rt *runtime, out io.Writer, ids []string) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			for _, id := range ids {
				rt.engine.Cancel(id)
			}
		case <-stop:
		}
	}()

	var failed []string
	for _, id := range ids {
		switch outcome := rt.engine.WaitForInit(id, 0); outcome {
		case jobs.OutcomeReady:
			if n, err := rt.nodes.Get(id); err == nil {
				fmt.Fprintf(out, "Node %s ready at %s\n", n.Name, n.WorktreePath)
			}
		default:
			failed = append(failed, id)
			if e, ok := rt.engine.GetProgress(id); ok && e.ErrorDetail != "" {
				fmt.Fprintf(out, "Node %s %s: %s\n", shortID(id), outcome, e.ErrorDetail)
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d node(s) did not become ready: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func runNodeDelete(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.nodes.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted node %s\n", args[0])
	return nil
}

func runNodeList(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	nodes, err := rt.nodes.List(nodeRepoID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No nodes.")
		return nil
	}
	return writeNodeTable(cmd.OutOrStdout(), nodes)
}

func writeNodeTable(out io.Writer, nodes []config.Node) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBRANCH\tBASE\tSTATUS")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Name, n.Branch, n.BaseBranch, n.WorktreeStatus)
	}
	return w.Flush()
}

func runNodeStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	n, err := rt.nodes.Get(args[0])
	if err != nil {
		return err
	}
	writeNodeStatus(cmd.OutOrStdout(), n)
	return nil
}

func writeNodeStatus(out io.Writer, n *config.Node) {
	fmt.Fprintf(out, "Node:     %s (%s)\n", n.Name, n.ID)
	fmt.Fprintf(out, "Branch:   %s\n", n.Branch)
	fmt.Fprintf(out, "Worktree: %s\n", n.WorktreePath)
	base := n.BaseBranch
	if n.OriginalBaseBranch != "" && n.OriginalBaseBranch != n.BaseBranch {
		base = fmt.Sprintf("%s (fell back from %s)", n.BaseBranch, n.OriginalBaseBranch)
	}
	fmt.Fprintf(out, "Base:     %s\n", base)
	fmt.Fprintf(out, "Status:   %s\n", n.WorktreeStatus)
	if n.StatusDetail != "" {
		fmt.Fprintf(out, "Detail:   %s\n", n.StatusDetail)
	}
	if st := n.GitStatus; st != nil {
		state := "clean"
		if !st.Clean {
			state = fmt.Sprintf("%d changed file(s)", st.ChangedFiles)
		}
		fmt.Fprintf(out, "Git:      %s, %s\n", st.HeadCommit, state)
	}
	if len(n.SetupScripts) > 0 {
		fmt.Fprintf(out, "Setup:    %s\n", strings.Join(n.SetupScripts, "; "))
	}
	if len(n.TeardownScripts) > 0 {
		fmt.Fprintf(out, "Teardown: %s\n", strings.Join(n.TeardownScripts, "; "))
	}
}

// progressPrinter writes one line per event.
func progressPrinter(out io.Writer) progress.Subscriber {
	var mu sync.Mutex
	return func(e progress.Event) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, formatEvent(e))
	}
}

func formatEvent(e progress.Event) string {
	line := fmt.Sprintf("%-8s %3d%%  %-17s %s", shortID(e.NodeID), e.Percent, e.Step, e.Message)
	if e.ErrorDetail != "" {
		line += ": " + e.ErrorDetail
	}
	return strings.TrimRight(line, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
