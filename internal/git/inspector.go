package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"git.home.luguber.info/inful/buildrunner/internal/logfields"
)

// ShortSHALength is the number of hex digits in a short revision.
const ShortSHALength = 7

// DefaultFetchTimeout bounds Fetch when no timeout was configured.
const DefaultFetchTimeout = 60 * time.Second

// ErrDetachedHead is returned by Branch when HEAD does not point at a branch.
var ErrDetachedHead = errors.New("HEAD is detached")

// Inspector answers commit metadata queries for one work directory.
type Inspector struct {
	dir          string
	remote       string
	auth         transport.AuthMethod
	fetchTimeout time.Duration
}

// NewInspector creates an inspector for the repository containing dir.
// remote names the remote Fetch updates; empty means "origin".
func NewInspector(dir, remote string) *Inspector {
	if remote == "" {
		remote = git.DefaultRemoteName
	}
	return &Inspector{dir: dir, remote: remote, fetchTimeout: DefaultFetchTimeout}
}

// WithAuth sets credentials used by Fetch.
func (i *Inspector) WithAuth(auth transport.AuthMethod) *Inspector {
	i.auth = auth
	return i
}

// WithFetchTimeout bounds each Fetch. Non-positive values keep the default.
func (i *Inspector) WithFetchTimeout(d time.Duration) *Inspector {
	if d > 0 {
		i.fetchTimeout = d
	}
	return i
}

// Open opens the repository containing dir, searching parent directories.
func Open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	return repo, nil
}

// ResolveCommit resolves a revision expression such as "HEAD", "origin/main"
// or a hash to its commit.
func ResolveCommit(repo *git.Repository, rev string) (*object.Commit, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("resolve revision %s: %w", rev, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("get commit %s: %w", hash, err)
	}
	return commit, nil
}

func (i *Inspector) headCommit() (*object.Commit, error) {
	repo, err := Open(i.dir)
	if err != nil {
		return nil, err
	}
	return ResolveCommit(repo, plumbing.HEAD.String())
}

// HeadSHA returns the full hash of HEAD.
func (i *Inspector) HeadSHA(ctx context.Context) (string, error) {
	c, err := i.headCommit()
	if err != nil {
		return "", err
	}
	return c.Hash.String(), nil
}

// ShortRevision returns the abbreviated hash of HEAD.
func (i *Inspector) ShortRevision(ctx context.Context) (string, error) {
	sha, err := i.HeadSHA(ctx)
	if err != nil {
		return "", err
	}
	return sha[:ShortSHALength], nil
}

// Branch returns the short name of the branch HEAD points at.
func (i *Inspector) Branch(ctx context.Context) (string, error) {
	repo, err := Open(i.dir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if !ref.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return ref.Name().Short(), nil
}

// Author returns the author name of the HEAD commit.
func (i *Inspector) Author(ctx context.Context) (string, error) {
	c, err := i.headCommit()
	if err != nil {
		return "", err
	}
	return c.Author.Name, nil
}

// Message returns the subject line of the HEAD commit.
func (i *Inspector) Message(ctx context.Context) (string, error) {
	c, err := i.headCommit()
	if err != nil {
		return "", err
	}
	subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return strings.TrimSpace(subject), nil
}

// CommitTime returns the author time of the HEAD commit.
func (i *Inspector) CommitTime(ctx context.Context) (time.Time, error) {
	c, err := i.headCommit()
	if err != nil {
		return time.Time{}, err
	}
	return c.Author.When, nil
}

// Fetch updates remote-tracking refs from the configured remote. An already
// up to date repository is not an error. Fetch returns once the fetch
// timeout elapses even if the transport has not noticed the cancellation.
func (i *Inspector) Fetch(ctx context.Context) error {
	repo, err := Open(i.dir)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, i.fetchTimeout)
	defer cancel()

	slog.DebugContext(ctx, "Fetching remote", slog.String("remote", i.remote), logfields.Path(i.dir), slog.Duration("timeout", i.fetchTimeout))
	done := make(chan error, 1)
	go func() {
		done <- repo.FetchContext(ctx, &git.FetchOptions{RemoteName: i.remote, Auth: i.auth})
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", i.remote, err)
	}
	return nil
}
