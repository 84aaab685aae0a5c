// Package node manages nodes and the git worktrees behind them.
//
// # Lifecycle
//
// Create registers a node record with status pending and hands the
// worktree to the initializer engine, which runs in the background:
//   - A name is generated as noun-noun-xxxxx unless one is given
//   - The branch is canopy/<name>
//   - The worktree lives at <repo>/.canopy/worktrees/<branch with / as ->
//
// Retry re-runs initialization for a failed node using the base branch it
// resolved to last time, without falling back.
//
// Delete cancels a running job, waits for it to settle, then removes the
// worktree, the branch and the record while holding the repository lock.
//
// # Orphans
//
// FindOrphanedWorktrees lists directories under each repository's
// .canopy/worktrees that no node record points at. PruneOrphanedWorktrees
// removes them along with their canopy/ branches.
package node
