// Package nightly implements the singleton periodic scheduler (spec §4.5):
// once a day it checks upstream master and, if advanced, submits the
// nightly test manifest via Admission.
package nightly

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/Near-One/nayduck/admission"
	"github.com/Near-One/nayduck/commitresolver"
	"github.com/Near-One/nayduck/store"
)

const (
	needNewRunAfter = 24 * time.Hour
	minTick         = 3 * time.Minute
	startupDelay    = 10 * time.Second

	defaultManifest = "nightly/nightly.txt"
)

// Scheduler runs the nightly singleton loop, grounded on orch.Controller's
// loop/sleep shape and scheduler.py's _schedule_nightly_impl.
type Scheduler struct {
	Store     store.Store
	Resolver  *commitresolver.Resolver
	Admitter  *admission.Admitter
	Branch    string // "master"
	Requester string // "NayDuck"
}

// Run blocks, ticking forever until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(startupDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delay, err := s.tick(ctx)
		if err != nil {
			glog.Errorf("nightly: tick failed: %v", err)
			delay = time.Hour
		}
		if delay < minTick {
			delay = minTick
		}
		glog.Infof("nightly: next tick in %v", delay)
		timer.Reset(delay)
	}
}

// tick implements one iteration of spec §4.5's "Each tick" steps, returning
// the caller's suggested delay before the next tick.
func (s *Scheduler) tick(ctx context.Context) (time.Duration, error) {
	last, err := s.Store.LastNightlyRun(ctx)
	if err != nil {
		return 0, fmt.Errorf("read last nightly run: %w", err)
	}

	if last != nil {
		age := time.Since(last.Timestamp)
		if age < needNewRunAfter {
			glog.Infof("nightly: last run %v ago, no need for a new run", age)
			return needNewRunAfter - age, nil
		}
	}

	if err := s.Resolver.Update(ctx); err != nil {
		return 0, fmt.Errorf("update repo clone: %w", err)
	}
	commit, err := s.Resolver.ForCommit(ctx, s.Branch)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", s.Branch, err)
	}

	if last != nil && sameSHA(last.SHA, commit.SHA) {
		glog.Infof("nightly: master sha=%s unchanged, no need for a new run", commit.SHA)
		return time.Hour, nil
	}

	tests, err := s.readManifest(ctx, commit.SHA)
	if err != nil {
		return 0, fmt.Errorf("read nightly manifest: %w", err)
	}

	runID, err := s.Admitter.Submit(ctx, admission.Request{
		Branch:    s.Branch,
		SHA:       commit.SHA,
		Requester: s.Requester,
		Tests:     tests,
		Commit:    &commit,
	})
	if err != nil {
		return 0, fmt.Errorf("submit nightly run: %w", err)
	}
	glog.Infof("nightly: scheduled new nightly run: /#/run/%d", runID)
	return needNewRunAfter, nil
}

func sameSHA(hex [20]byte, s string) bool {
	return fmt.Sprintf("%x", hex) == s
}

// readManifest reads the nightly test list at sha via the resolver's git
// repository, recursively resolving "./<path>"-style includes through a
// path-safety-checked reader (spec §4.5, grounded on scheduler.py's
// _read_tests/reader closure): no path may escape the manifest root (no
// ".." components) and every included file must end in ".txt".
func (s *Scheduler) readManifest(ctx context.Context, sha string) ([]string, error) {
	seen := map[string]bool{}
	var lines []string
	if err := s.readManifestFile(ctx, sha, defaultManifest, seen, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Scheduler) readManifestFile(ctx context.Context, sha, filename string, seen map[string]bool, out *[]string) error {
	clean := path.Clean(filename)
	if strings.HasPrefix(clean, "..") || !strings.HasSuffix(clean, ".txt") {
		glog.Errorf("nightly: refusing to load tests from %s", filename)
		return nil
	}
	if seen[clean] {
		return nil
	}
	seen[clean] = true

	data, err := s.gitShow(ctx, sha, clean)
	if err != nil {
		return err
	}

	for _, raw := range strings.Split(data, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "./") {
			included := path.Join(path.Dir(clean), line)
			if err := s.readManifestFile(ctx, sha, included, seen, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, line)
	}
	return nil
}

func (s *Scheduler) gitShow(ctx context.Context, sha, filename string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", "show", sha+":"+filename)
	cmd.Dir = s.Resolver.RepoDir()
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git show %s:%s: %w", sha, filename, err)
	}
	return string(out), nil
}
