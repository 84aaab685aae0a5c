package git

import (
	"context"

	"github.com/zhubert/canopy/internal/errors"
)

// FallbackBranches are tried, in order, when a non-explicit base branch cannot
// be found.
var FallbackBranches = []string{"main", "master", "develop", "trunk"}

// ResolveRequest describes the base branch a new worktree should start from.
type ResolveRequest struct {
	RepoPath      string
	DesiredBranch string
	// WasExplicit is true when the user chose the branch. Explicit branches
	// never fall back to a different name.
	WasExplicit bool
	HasRemote   bool
	// OnFetch, if set, is called just before the branch is fetched.
	OnFetch func(branch string)
}

// Resolution is the concrete ref a worktree is created from.
type Resolution struct {
	// Ref is an existing local branch or remote-tracking ref (origin/<name>).
	Ref string
	// FallbackBranch is set when a branch other than the desired one was chosen.
	FallbackBranch string
	// Fetched is true when the ref was refreshed from the remote.
	Fetched bool
}

// Resolver turns a desired base branch into a ref that exists locally.
type Resolver struct {
	git *GitService
}

// NewResolver creates a Resolver backed by git.
func NewResolver(git *GitService) *Resolver {
	return &Resolver{git: git}
}

// Resolve applies the fallback chain:
//
//  1. With a remote, ask whether the desired branch exists there. If the
//     remote cannot be queried, search local refs. If the branch is absent,
//     bootstrap an empty remote, fail an explicit request, or search local
//     refs. If it exists, fetch it; a failed fetch falls back to a stale
//     origin/<branch> if there is one.
//  2. Without a remote, search local refs.
//
// The local search tries origin/<name> before <name>, first for the desired
// branch and then, unless explicit, for each of FallbackBranches.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (Resolution, error) {
	log := componentLog().With("repo", req.RepoPath, "branch", req.DesiredBranch, "explicit", req.WasExplicit)
	desired := req.DesiredBranch

	if req.HasRemote {
		exists, err := r.git.RemoteBranchExists(ctx, req.RepoPath, desired)
		switch {
		case err != nil:
			if errors.Is(err, errors.KindNotFound) {
				log.Warn("remote repository not found, using local refs", "error", Describe(err))
			} else {
				log.Info("remote unreachable, using local refs", "error", Describe(err))
			}
			return r.searchLocal(ctx, req)

		case !exists:
			hasBranches, err := r.git.RemoteHasBranches(ctx, req.RepoPath)
			if err == nil && !hasBranches {
				log.Info("remote has no branches, bootstrapping")
				if err := r.git.BootstrapEmptyRemote(ctx, req.RepoPath, desired); err != nil {
					return Resolution{}, err
				}
				return Resolution{Ref: "origin/" + desired}, nil
			}
			if req.WasExplicit {
				return Resolution{}, errors.BranchNotFound(desired)
			}
			log.Debug("branch not on remote, searching fallbacks")
			return r.searchLocal(ctx, req)

		default:
			if req.OnFetch != nil {
				req.OnFetch(desired)
			}
			if err := r.git.FetchBranch(ctx, req.RepoPath, desired); err != nil {
				if r.git.RemoteTrackingRefExists(ctx, req.RepoPath, desired) {
					log.Warn("fetch failed, using existing remote-tracking ref", "error", Describe(err))
					return Resolution{Ref: "origin/" + desired}, nil
				}
				return Resolution{}, errors.RemoteUnreachable(desired, err)
			}
			return Resolution{Ref: "origin/" + desired, Fetched: true}, nil
		}
	}

	return r.searchLocal(ctx, req)
}

func (r *Resolver) searchLocal(ctx context.Context, req ResolveRequest) (Resolution, error) {
	candidates := []string{req.DesiredBranch}
	if !req.WasExplicit {
		for _, b := range FallbackBranches {
			if b != req.DesiredBranch {
				candidates = append(candidates, b)
			}
		}
	}

	for _, branch := range candidates {
		ref := ""
		if req.HasRemote && r.git.RemoteTrackingRefExists(ctx, req.RepoPath, branch) {
			ref = "origin/" + branch
		} else if r.git.LocalBranchExists(ctx, req.RepoPath, branch) {
			ref = branch
		}
		if ref == "" {
			continue
		}
		res := Resolution{Ref: ref}
		if branch != req.DesiredBranch {
			res.FallbackBranch = branch
			componentLog().Info("using fallback base branch", "desired", req.DesiredBranch, "fallback", branch, "ref", ref)
		}
		return res, nil
	}
	return Resolution{}, errors.BranchNotFound(req.DesiredBranch)
}
