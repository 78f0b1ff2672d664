// Package worktree allocates and reclaims the isolated git worktrees that work items run in.
package worktree

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cmtonkinson/clover/internal/slug"
)

const (
	// metadataDirName holds one ownership record per worktree under the resource root.
	metadataDirName = ".clover-meta"
	// rootDirMode defines permissions for the resource root.
	rootDirMode = 0o755
	// rootSuffix names the default resource root next to the repository.
	rootSuffix = "-worktrees"
)

var (
	// ErrBranchHeld reports a branch already owned by a different work item.
	ErrBranchHeld = errors.New("branch is held by another work item")
	// ErrBranchCheckedOut reports a branch checked out in the parent repository.
	ErrBranchCheckedOut = errors.New("branch is checked out in the parent repository")
	// ErrBaseMissing reports a base branch that exists neither locally nor on the remote.
	ErrBaseMissing = errors.New("base branch does not exist")
)

// ResourceError wraps any failure to allocate or release a worktree.
type ResourceError struct {
	Op    string
	Owner string
	Err   error
}

// Error implements error.
func (resourceErr *ResourceError) Error() string {
	if resourceErr.Owner == "" {
		return fmt.Sprintf("worktree %s: %v", resourceErr.Op, resourceErr.Err)
	}
	return fmt.Sprintf("worktree %s %s: %v", resourceErr.Op, resourceErr.Owner, resourceErr.Err)
}

// Unwrap exposes the underlying cause.
func (resourceErr *ResourceError) Unwrap() error {
	return resourceErr.Err
}

// Handle is the opaque reference a work item holds while it owns a worktree.
type Handle struct {
	Path          string    `json:"path"`
	Branch        string    `json:"branch"`
	BaseBranch    string    `json:"base_branch"`
	Owner         string    `json:"owner"`
	CreatedBranch bool      `json:"created_branch,omitempty"`
	// HeadSHA is the commit checked out at allocation.
	HeadSHA       string    `json:"head_sha,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Request describes the worktree a work item needs.
type Request struct {
	// Owner is the work item key that will hold the worktree.
	Owner string
	// WorkType and Number feed the setup script environment.
	WorkType   string
	Number     int
	Branch     string
	BaseBranch string
	// FromRemote checks out the remote head even when a local branch of the same name exists.
	FromRemote bool
}

// ReleaseOptions controls what Release keeps.
type ReleaseOptions struct {
	KeepBranch bool
}

// AuditLogger records worktree lifecycle events.
type AuditLogger interface {
	LogWorktreeCreate(owner string, path string, branch string) error
	LogWorktreeDelete(owner string, path string, branch string) error
}

// Options configures a Manager.
type Options struct {
	RepoRoot    string
	Root        string
	Remote      string
	SetupScript string
	Logger      *zap.Logger
	Audit       AuditLogger
}

// Manager owns every worktree under its resource root.
type Manager struct {
	repoRoot    string
	root        string
	remote      string
	setupScript string
	logger      *zap.Logger
	audit       AuditLogger
	now         func() time.Time

	// git worktree bookkeeping in the parent repository is not safe under concurrent mutation.
	mu sync.Mutex
}

// DefaultRoot returns the sibling "<repo>-worktrees" directory.
func DefaultRoot(repoRoot string) string {
	clean := filepath.Clean(repoRoot)
	return filepath.Join(filepath.Dir(clean), filepath.Base(clean)+rootSuffix)
}

// NewManager constructs a Manager for the repository.
func NewManager(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.RepoRoot) == "" {
		return nil, errors.New("repo root is required")
	}
	absRoot, err := filepath.Abs(opts.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute repo root %s: %w", opts.RepoRoot, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat repo root %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repo root %s is not a directory", absRoot)
	}
	root := opts.Root
	if strings.TrimSpace(root) == "" {
		root = DefaultRoot(absRoot)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree root %s: %w", opts.Root, err)
	}
	remote := opts.Remote
	if remote == "" {
		remote = "origin"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repoRoot:    absRoot,
		root:        root,
		remote:      remote,
		setupScript: opts.SetupScript,
		logger:      logger.Named("worktree"),
		audit:       opts.Audit,
		now:         time.Now,
	}, nil
}

// Root returns the resource root directory.
func (manager *Manager) Root() string {
	return manager.root
}

// PathFor returns the deterministic worktree path for an owner.
func (manager *Manager) PathFor(owner string) string {
	return filepath.Join(manager.root, dirName(owner))
}

// Allocate creates a fresh worktree for the request and records its owner.
func (manager *Manager) Allocate(ctx context.Context, req Request) (Handle, error) {
	handle, err := manager.allocate(ctx, req)
	if err != nil {
		return Handle{}, &ResourceError{Op: "allocate", Owner: req.Owner, Err: err}
	}
	return handle, nil
}

func (manager *Manager) allocate(ctx context.Context, req Request) (Handle, error) {
	if strings.TrimSpace(req.Owner) == "" {
		return Handle{}, errors.New("owner is required")
	}
	if strings.TrimSpace(req.Branch) == "" {
		return Handle{}, errors.New("branch is required")
	}
	if dirName(req.Owner) == "" {
		return Handle{}, fmt.Errorf("owner %q does not produce a usable directory name", req.Owner)
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()

	if err := os.MkdirAll(manager.metadataDir(), rootDirMode); err != nil {
		return Handle{}, fmt.Errorf("create worktree root %s: %w", manager.root, err)
	}
	manager.prune(ctx)

	path := manager.PathFor(req.Owner)
	if err := manager.checkBranchFree(ctx, req, path); err != nil {
		return Handle{}, err
	}
	if err := manager.discardStale(ctx, path); err != nil {
		return Handle{}, err
	}

	hasRemote := manager.hasRemote(ctx)
	if hasRemote {
		if _, err := manager.runGit(ctx, "fetch", "--quiet", "--prune", manager.remote); err != nil {
			manager.logger.Warn("fetch failed; continuing with local refs", zap.String("remote", manager.remote), zap.Error(err))
		}
	}

	created, err := manager.addWorktree(ctx, path, req, hasRemote)
	if err != nil {
		return Handle{}, err
	}
	head, err := runGitWithDir(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		manager.removeLocked(ctx, Handle{Path: path, Branch: req.Branch, Owner: req.Owner, CreatedBranch: created}, ReleaseOptions{KeepBranch: !created})
		return Handle{}, fmt.Errorf("resolve worktree head: %w", err)
	}
	handle := Handle{
		Path:          path,
		Branch:        req.Branch,
		BaseBranch:    req.BaseBranch,
		Owner:         req.Owner,
		CreatedBranch: created,
		HeadSHA:       strings.TrimSpace(head),
		CreatedAt:     manager.now().UTC(),
	}
	if err := manager.writeMetadata(handle); err != nil {
		manager.removeLocked(ctx, handle, ReleaseOptions{KeepBranch: !created})
		return Handle{}, err
	}
	manager.logAudit(func(audit AuditLogger) error {
		return audit.LogWorktreeCreate(handle.Owner, handle.Path, handle.Branch)
	})

	if err := manager.runSetupScript(ctx, handle, req); err != nil {
		manager.removeLocked(ctx, handle, ReleaseOptions{KeepBranch: !created})
		return Handle{}, err
	}
	manager.logger.Info("worktree allocated",
		zap.String("owner", handle.Owner),
		zap.String("path", handle.Path),
		zap.String("branch", handle.Branch),
		zap.Bool("created_branch", created))
	return handle, nil
}

// checkBranchFree rejects branches owned by another item or checked out in the parent repo.
func (manager *Manager) checkBranchFree(ctx context.Context, req Request, path string) error {
	records, err := manager.readAllMetadata()
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.Owner == req.Owner || record.Branch != req.Branch {
			continue
		}
		exists, err := pathExists(record.Path)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s is held by %s", ErrBranchHeld, req.Branch, record.Owner)
		}
	}
	current, err := currentBranch(ctx, manager.repoRoot)
	if err == nil && current == req.Branch {
		return fmt.Errorf("%w: %s", ErrBranchCheckedOut, req.Branch)
	}
	return nil
}

// discardStale removes a leftover worktree at the owner's path from an earlier attempt.
func (manager *Manager) discardStale(ctx context.Context, path string) error {
	exists, err := pathExists(path)
	if err != nil || !exists {
		return err
	}
	manager.logger.Warn("discarding stale worktree", zap.String("path", path))
	_, _ = manager.runGit(ctx, "worktree", "remove", "--force", path)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove stale worktree %s: %w", path, err)
	}
	manager.prune(ctx)
	return nil
}

// addWorktree checks out the branch from local, remote-tracking or base refs and
// reports whether the branch was newly created.
func (manager *Manager) addWorktree(ctx context.Context, path string, req Request, hasRemote bool) (bool, error) {
	localExists, err := manager.refExists(ctx, "refs/heads/"+req.Branch)
	if err != nil {
		return false, err
	}
	remoteRef := manager.remote + "/" + req.Branch
	remoteExists := false
	if hasRemote {
		remoteExists, err = manager.refExists(ctx, "refs/remotes/"+remoteRef)
		if err != nil {
			return false, err
		}
	}
	if localExists {
		if remoteExists {
			reset := req.FromRemote
			if !reset {
				reset, err = manager.isAncestor(ctx, "refs/heads/"+req.Branch, "refs/remotes/"+remoteRef)
				if err != nil {
					return false, err
				}
			}
			if reset {
				// -B moves the stale local branch to the remote head.
				if _, err := manager.runGit(ctx, "worktree", "add", "--track", "-B", req.Branch, path, remoteRef); err != nil {
					return false, err
				}
				return false, nil
			}
		}
		if _, err := manager.runGit(ctx, "worktree", "add", path, req.Branch); err != nil {
			return false, err
		}
		return false, nil
	}
	if remoteExists {
		if _, err := manager.runGit(ctx, "worktree", "add", "--track", "-b", req.Branch, path, remoteRef); err != nil {
			return false, err
		}
		return true, nil
	}
	start, err := manager.baseRef(ctx, req.BaseBranch, hasRemote)
	if err != nil {
		return false, err
	}
	if _, err := manager.runGit(ctx, "worktree", "add", "--no-track", "-b", req.Branch, path, start); err != nil {
		return false, err
	}
	return true, nil
}

// baseRef resolves the start point for a new branch, preferring the remote copy of the base.
func (manager *Manager) baseRef(ctx context.Context, base string, hasRemote bool) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", errors.New("base branch is required for a new branch")
	}
	if hasRemote {
		remoteRef := manager.remote + "/" + base
		exists, err := manager.refExists(ctx, "refs/remotes/"+remoteRef)
		if err != nil {
			return "", err
		}
		if exists {
			return remoteRef, nil
		}
	}
	exists, err := manager.refExists(ctx, "refs/heads/"+base)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrBaseMissing, base)
	}
	return base, nil
}

// runSetupScript runs the operator hook inside a fresh worktree.
func (manager *Manager) runSetupScript(ctx context.Context, handle Handle, req Request) error {
	script := strings.TrimSpace(manager.setupScript)
	if script == "" {
		return nil
	}
	if !filepath.IsAbs(script) {
		script = filepath.Join(manager.repoRoot, script)
	}
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("setup script %s: %w", script, err)
	}
	cmd := exec.CommandContext(ctx, "sh", script)
	cmd.Dir = handle.Path
	cmd.Env = append(os.Environ(), setupEnv(manager.repoRoot, handle, req)...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("setup script %s failed: %w: %s", script, err, strings.TrimSpace(output.String()))
	}
	return nil
}

// setupEnv builds the CLOVER_* variables exposed to the setup script.
func setupEnv(repoRoot string, handle Handle, req Request) []string {
	env := []string{
		"CLOVER_PARENT_REPO=" + repoRoot,
		"CLOVER_WORKTREE=" + handle.Path,
		"CLOVER_BRANCH=" + handle.Branch,
		"CLOVER_BASE_BRANCH=" + handle.BaseBranch,
		"CLOVER_WORK_TYPE=" + req.WorkType,
	}
	if req.Number > 0 {
		number := strconv.Itoa(req.Number)
		if req.WorkType == "issue_implement" {
			env = append(env, "CLOVER_ISSUE_NUMBER="+number)
		} else {
			env = append(env, "CLOVER_PR_NUMBER="+number)
		}
	}
	return env
}

// Release removes the worktree and, unless asked to keep it, the branch it created.
// Releasing a handle whose directory is already gone succeeds.
func (manager *Manager) Release(ctx context.Context, handle Handle, opts ReleaseOptions) error {
	if strings.TrimSpace(handle.Path) == "" {
		return &ResourceError{Op: "release", Owner: handle.Owner, Err: errors.New("worktree path is required")}
	}
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if err := manager.removeLocked(ctx, handle, opts); err != nil {
		return &ResourceError{Op: "release", Owner: handle.Owner, Err: err}
	}
	return nil
}

// removeLocked deletes the worktree directory, its metadata and optionally the branch.
func (manager *Manager) removeLocked(ctx context.Context, handle Handle, opts ReleaseOptions) error {
	exists, err := pathExists(handle.Path)
	if err != nil {
		return err
	}
	if exists {
		if _, err := manager.runGit(ctx, "worktree", "remove", "--force", handle.Path); err != nil {
			manager.logger.Debug("git worktree remove failed; deleting directory", zap.String("path", handle.Path), zap.Error(err))
		}
		if err := os.RemoveAll(handle.Path); err != nil {
			return fmt.Errorf("remove worktree %s: %w", handle.Path, err)
		}
		manager.logAudit(func(audit AuditLogger) error {
			return audit.LogWorktreeDelete(handle.Owner, handle.Path, handle.Branch)
		})
	}
	manager.prune(ctx)
	if err := manager.removeMetadata(filepath.Base(handle.Path)); err != nil {
		return err
	}
	if opts.KeepBranch || !handle.CreatedBranch || handle.Branch == "" {
		return nil
	}
	branchExists, err := manager.refExists(ctx, "refs/heads/"+handle.Branch)
	if err != nil || !branchExists {
		return err
	}
	if _, err := manager.runGit(ctx, "branch", "-D", handle.Branch); err != nil {
		return err
	}
	return nil
}

// Reconcile lists worktree directories under the root that no known handle references.
func (manager *Manager) Reconcile(known []Handle) ([]string, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	knownPaths := make(map[string]struct{}, len(known))
	for _, handle := range known {
		knownPaths[filepath.Clean(handle.Path)] = struct{}{}
	}
	entries, err := os.ReadDir(manager.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worktree root %s: %w", manager.root, err)
	}
	var orphans []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(manager.root, entry.Name())
		if _, ok := knownPaths[path]; ok {
			continue
		}
		orphans = append(orphans, path)
	}

	records, err := manager.readAllMetadata()
	if err != nil {
		return nil, err
	}
	for name, record := range records {
		exists, err := pathExists(record.Path)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := manager.removeMetadata(name); err != nil {
				return nil, err
			}
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

// RemoveOrphan deletes an unreferenced worktree, keeping its branch so no commits are lost.
func (manager *Manager) RemoveOrphan(ctx context.Context, path string) error {
	clean := filepath.Clean(path)
	if filepath.Dir(clean) != manager.root {
		return &ResourceError{Op: "remove orphan", Err: fmt.Errorf("path %s is outside %s", path, manager.root)}
	}
	manager.mu.Lock()
	defer manager.mu.Unlock()

	handle := Handle{Path: clean}
	if record, ok, err := manager.readMetadata(filepath.Base(clean)); err == nil && ok {
		handle = record
	}
	manager.logger.Warn("removing orphaned worktree", zap.String("path", clean), zap.String("owner", handle.Owner))
	if err := manager.removeLocked(ctx, handle, ReleaseOptions{KeepBranch: true}); err != nil {
		return &ResourceError{Op: "remove orphan", Owner: handle.Owner, Err: err}
	}
	return nil
}

// BranchExists reports whether the branch exists locally or on the remote.
func (manager *Manager) BranchExists(ctx context.Context, branch string) (bool, error) {
	if strings.TrimSpace(branch) == "" {
		return false, errors.New("branch is required")
	}
	local, err := manager.refExists(ctx, "refs/heads/"+branch)
	if err != nil || local {
		return local, err
	}
	if !manager.hasRemote(ctx) {
		return false, nil
	}
	output, err := manager.runGit(ctx, "ls-remote", "--heads", manager.remote, branch)
	if err != nil {
		return manager.refExists(ctx, "refs/remotes/"+manager.remote+"/"+branch)
	}
	return strings.TrimSpace(output) != "", nil
}

// DefaultBranch resolves the remote's default branch, falling back to "main".
func (manager *Manager) DefaultBranch(ctx context.Context) string {
	output, err := manager.runGit(ctx, "symbolic-ref", "--short", "refs/remotes/"+manager.remote+"/HEAD")
	if err == nil {
		if name := strings.TrimPrefix(strings.TrimSpace(output), manager.remote+"/"); name != "" {
			return name
		}
	}
	if exists, err := manager.refExists(ctx, "refs/heads/main"); err == nil && exists {
		return "main"
	}
	if exists, err := manager.refExists(ctx, "refs/heads/master"); err == nil && exists {
		return "master"
	}
	return "main"
}

// hasRemote reports whether the configured remote exists.
func (manager *Manager) hasRemote(ctx context.Context) bool {
	_, err := manager.runGit(ctx, "remote", "get-url", manager.remote)
	return err == nil
}

// prune drops git's records of worktrees whose directories vanished.
func (manager *Manager) prune(ctx context.Context) {
	if _, err := manager.runGit(ctx, "worktree", "prune"); err != nil {
		manager.logger.Debug("git worktree prune failed", zap.Error(err))
	}
}

// isAncestor reports whether ancestor is reachable from descendant.
func (manager *Manager) isAncestor(ctx context.Context, ancestor string, descendant string) (bool, error) {
	_, err := manager.runGit(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if isExitStatus(err, 1) {
		return false, nil
	}
	return false, err
}

// refExists reports whether a fully qualified ref exists.
func (manager *Manager) refExists(ctx context.Context, ref string) (bool, error) {
	_, err := manager.runGit(ctx, "show-ref", "--verify", "--quiet", ref)
	if err == nil {
		return true, nil
	}
	if isExitStatus(err, 1) {
		return false, nil
	}
	return false, err
}

func (manager *Manager) logAudit(write func(AuditLogger) error) {
	if manager.audit == nil {
		return
	}
	if err := write(manager.audit); err != nil {
		manager.logger.Warn("audit write failed", zap.Error(err))
	}
}

func (manager *Manager) metadataDir() string {
	return filepath.Join(manager.root, metadataDirName)
}

func (manager *Manager) metadataFilePath(name string) string {
	return filepath.Join(manager.metadataDir(), name+".json")
}

func (manager *Manager) readMetadata(name string) (Handle, bool, error) {
	metaPath := manager.metadataFilePath(name)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Handle{}, false, nil
		}
		return Handle{}, false, fmt.Errorf("read metadata %s: %w", metaPath, err)
	}
	var handle Handle
	if err := json.Unmarshal(data, &handle); err != nil {
		return Handle{}, false, fmt.Errorf("decode metadata %s: %w", metaPath, err)
	}
	return handle, true, nil
}

// readAllMetadata returns every ownership record keyed by worktree directory name.
func (manager *Manager) readAllMetadata() (map[string]Handle, error) {
	entries, err := os.ReadDir(manager.metadataDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Handle{}, nil
		}
		return nil, fmt.Errorf("read metadata directory %s: %w", manager.metadataDir(), err)
	}
	records := make(map[string]Handle, len(entries))
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok {
			continue
		}
		record, found, err := manager.readMetadata(name)
		if err != nil {
			return nil, err
		}
		if found {
			records[name] = record
		}
	}
	return records, nil
}

func (manager *Manager) writeMetadata(handle Handle) error {
	metaPath := manager.metadataFilePath(filepath.Base(handle.Path))
	data, err := json.MarshalIndent(handle, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", metaPath, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return fmt.Errorf("write metadata %s: %w", metaPath, err)
	}
	return nil
}

func (manager *Manager) removeMetadata(name string) error {
	metaPath := manager.metadataFilePath(name)
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove metadata %s: %w", metaPath, err)
	}
	return nil
}

// dirName converts an owner key into a filesystem-safe directory name.
func dirName(owner string) string {
	return slug.Slugify(owner)
}

// currentBranch resolves the checked-out branch in a directory.
func currentBranch(ctx context.Context, dir string) (string, error) {
	output, err := runGitWithDir(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", dir, err)
	}
	return strings.TrimSpace(output), nil
}

// pathExists reports whether the path exists on disk.
func pathExists(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, errors.New("path is required")
	}
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat path %s: %w", path, err)
}

// runGit executes a git command in the repo root.
func (manager *Manager) runGit(ctx context.Context, args ...string) (string, error) {
	return runGitWithDir(ctx, manager.repoRoot, args...)
}

// runGitWithDir runs a git command in the provided directory.
func runGitWithDir(ctx context.Context, dir string, args ...string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("git directory is required")
	}
	if len(args) == 0 {
		return "", errors.New("git arguments are required")
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// isExitStatus reports whether the error is an exec.ExitError with the given status.
func isExitStatus(err error, status int) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return exitErr.ExitCode() == status
}
