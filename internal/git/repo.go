package git

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/rs/zerolog"
)

// ErrNotRepository is returned by Open when no repository contains path.
var ErrNotRepository = errors.New("not a git repository")

// Repo represents a Git repository
type Repo struct {
	path string
	repo *git.Repository
}

// FileStatus represents the status of a single file
type FileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"` // "modified", "added", "deleted", "untracked", etc.
}

// RepoStatus represents the current status of the repository
type RepoStatus struct {
	Branch    string       `json:"branch"`
	Commit    string       `json:"commit"`
	Modified  []FileStatus `json:"modified"`
	Staged    []FileStatus `json:"staged"`
	Untracked []FileStatus `json:"untracked"`
	IsClean   bool         `json:"is_clean"`
}

// Open opens the git repository containing path, searching parent
// directories for .git.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotRepository)
		}
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}

	return &Repo{
		path: path,
		repo: repo,
	}, nil
}

// Status returns the current status of the repository
func (r *Repo) Status() (*RepoStatus, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	// Both are empty in a repository without commits.
	branch, _ := r.CurrentBranch()
	commit, _ := r.HeadCommit()

	repoStatus := &RepoStatus{
		Branch:    branch,
		Commit:    commit,
		Modified:  make([]FileStatus, 0),
		Staged:    make([]FileStatus, 0),
		Untracked: make([]FileStatus, 0),
		IsClean:   status.IsClean(),
	}

	for path, fileStatus := range status {
		fs := FileStatus{Path: path}

		// Check staging area status
		if fileStatus.Staging != git.Unmodified && fileStatus.Staging != git.Untracked {
			fs.Status = mapStatusCode(fileStatus.Staging)
			repoStatus.Staged = append(repoStatus.Staged, fs)
		}

		// Check worktree status
		if fileStatus.Worktree == git.Untracked {
			fs.Status = "untracked"
			repoStatus.Untracked = append(repoStatus.Untracked, fs)
		} else if fileStatus.Worktree != git.Unmodified {
			fs.Status = mapStatusCode(fileStatus.Worktree)
			repoStatus.Modified = append(repoStatus.Modified, fs)
		}
	}

	for _, list := range [][]FileStatus{repoStatus.Modified, repoStatus.Staged, repoStatus.Untracked} {
		sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	}

	return repoStatus, nil
}

// mapStatusCode converts go-git status codes to human-readable strings
func mapStatusCode(code git.StatusCode) string {
	switch code {
	case git.Unmodified:
		return "unmodified"
	case git.Untracked:
		return "untracked"
	case git.Modified:
		return "modified"
	case git.Added:
		return "added"
	case git.Deleted:
		return "deleted"
	case git.Renamed:
		return "renamed"
	case git.Copied:
		return "copied"
	case git.UpdatedButUnmerged:
		return "updated-but-unmerged"
	default:
		return "unknown"
	}
}

// CurrentBranch returns the short name of the checked out branch
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached")
	}
	return head.Name().Short(), nil
}

// HeadCommit returns the hash of the commit HEAD points to
func (r *Repo) HeadCommit() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// Root returns the top-level directory of the worktree.
func (r *Repo) Root() (string, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	return worktree.Filesystem.Root(), nil
}

// ContextProvider supplies git details as checkpoint context.
type ContextProvider struct {
	path   string
	ignore func(rel string) bool
	logger zerolog.Logger
}

// NewContextProvider returns a provider for the repository containing path.
// Changed files for which ignore returns true, given their slash-separated
// path relative to path, do not make the worktree dirty. ignore may be nil.
func NewContextProvider(path string, ignore func(rel string) bool, logger zerolog.Logger) *ContextProvider {
	if ignore == nil {
		ignore = func(string) bool { return false }
	}
	return &ContextProvider{path: path, ignore: ignore, logger: logger}
}

// Context returns git_branch, git_commit and git_clean for the repository,
// or an empty map when path is not inside one. The repository is reopened on
// every call so branch switches are picked up.
func (p *ContextProvider) Context() map[string]interface{} {
	ctx := make(map[string]interface{})

	repo, err := Open(p.path)
	if err != nil {
		if !errors.Is(err, ErrNotRepository) {
			p.logger.Warn().Err(err).Msg("failed to read git context")
		}
		return ctx
	}

	if branch, err := repo.CurrentBranch(); err == nil {
		ctx["git_branch"] = branch
	}
	if commit, err := repo.HeadCommit(); err == nil {
		ctx["git_commit"] = commit
	}

	clean, err := p.clean(repo)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to read git status")
		return ctx
	}
	ctx["git_clean"] = clean
	return ctx
}

func (p *ContextProvider) clean(repo *Repo) (bool, error) {
	status, err := repo.Status()
	if err != nil {
		return false, err
	}
	if status.IsClean {
		return true, nil
	}

	root, err := repo.Root()
	if err != nil {
		return false, err
	}
	for _, list := range [][]FileStatus{status.Modified, status.Staged, status.Untracked} {
		for _, fs := range list {
			rel, err := filepath.Rel(p.path, filepath.Join(root, filepath.FromSlash(fs.Path)))
			if err != nil || !p.ignore(filepath.ToSlash(rel)) {
				return false, nil
			}
		}
	}
	return true, nil
}
