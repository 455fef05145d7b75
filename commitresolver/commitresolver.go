// Package commitresolver wraps the opaque source-code host (spec §4.6): it
// keeps a bare local clone of the upstream repository up to date and
// resolves a ref to a canonical sha+title pair.
package commitresolver

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const maxTitleLen = 150

var prSuffixRe = regexp.MustCompile(`\s*(\(#\d+\))\s*$`)

// Commit is the canonical sha+title pair for a resolved ref (spec §4.6).
type Commit struct {
	SHA   string
	Title string
}

// Resolver maintains a bare clone of originURL at repoDir and resolves refs
// against it, grounded on scheduler.py's _update_repo/CommitInfo.for_commit.
type Resolver struct {
	repoDir   string
	originURL string
}

// New returns a Resolver for originURL backed by a bare clone at repoDir.
func New(repoDir, originURL string) *Resolver {
	return &Resolver{repoDir: repoDir, originURL: originURL}
}

// RepoDir returns the path to the local bare clone, for callers (such as
// the nightly manifest reader) that need to run their own git subcommands
// against the same repository.
func (r *Resolver) RepoDir() string { return r.repoDir }

// Update ensures the local bare clone exists and is current, retrying the
// remote fetch with backoff since it is a network operation that may fail
// transiently. If the existing clone cannot be updated, it is wiped and
// re-cloned from scratch.
func (r *Resolver) Update(ctx context.Context) error {
	if info, err := os.Stat(r.repoDir); err == nil && info.IsDir() {
		err := backoff.Retry(func() error {
			return r.run(ctx, "git", "remote", "update")
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
		if err == nil {
			return nil
		}
	}

	if err := os.RemoveAll(r.repoDir); err != nil {
		return errors.Wrap(err, "remove stale repo clone")
	}
	if err := os.MkdirAll(r.repoDir, 0o755); err != nil {
		return errors.Wrap(err, "create repo clone dir")
	}
	if err := r.run(ctx, "git", "init", "--bare", r.repoDir); err != nil {
		return errors.Wrap(err, "init bare repo")
	}

	config := "[remote \"origin\"]\n" +
		"\turl = " + r.originURL + "\n" +
		"\tfetch = +refs/heads/*:refs/heads/*\n" +
		"\tfetch = +refs/notes/*:refs/notes/*\n" +
		"\tfetch = +refs/tags/*:refs/tags/*\n" +
		"\ttagOpt = --no-tags\n" +
		"\tprune = true\n"
	f, err := os.OpenFile(r.repoDir+"/config", os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open repo config")
	}
	_, werr := f.WriteString(config)
	cerr := f.Close()
	if werr != nil {
		return errors.Wrap(werr, "write repo config")
	}
	if cerr != nil {
		return errors.Wrap(cerr, "close repo config")
	}

	return backoff.Retry(func() error {
		return r.run(ctx, "git", "remote", "update")
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
}

// ForCommit resolves ref to its canonical sha and shortened title (spec
// §4.6). Update must have been called at least once beforehand.
func (r *Resolver) ForCommit(ctx context.Context, ref string) (Commit, error) {
	out, err := r.output(ctx, "git", "log", "--format=%H\n%s", "-n1", ref, "--")
	if err != nil {
		return Commit{}, errors.Wrapf(err, "resolve commit %q", ref)
	}
	lines := strings.SplitN(strings.TrimRight(string(out), "\n"), "\n", 2)
	if len(lines) != 2 {
		return Commit{}, errors.Errorf("unexpected git log output for %q: %q", ref, out)
	}
	return Commit{SHA: lines[0], Title: shortenTitle(lines[1])}, nil
}

// shortenTitle shortens title to maxTitleLen characters, preserving a
// trailing "(#NNN)" PR marker with an ellipsis inserted before it, matching
// CommitInfo._shorten_title.
func shortenTitle(title string) string {
	if utf8.RuneCountInString(title) <= maxTitleLen {
		return title
	}
	suffix := "…"
	if m := prSuffixRe.FindStringSubmatchIndex(title); m != nil {
		suffix = "… " + title[m[2]:m[3]]
		title = title[:m[0]]
	}
	cut := maxTitleLen - len([]rune(suffix))
	if cut < 0 {
		cut = 0
	}
	runes := []rune(title)
	if cut > len(runes) {
		cut = len(runes)
	}
	return string(runes[:cut]) + suffix
}

func (r *Resolver) run(ctx context.Context, name string, args ...string) error {
	_, err := r.output(ctx, name, args...)
	return err
}

func (r *Resolver) output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = r.repoDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "command %q %v failed: %s", name, args, stderr.String())
	}
	return stdout.Bytes(), nil
}
