// Package builder implements the build dispatcher daemon (spec §4.3): a
// long-running loop that claims pending builds, checks out and compiles the
// commit, publishes artifacts, and reports status with cascade-cancel on
// failure. Grounded on orch.Controller/orch.kubeExecutor's loop/claim/
// Execute shape, and on workers/builder.py for exact build-command and
// disk-guard semantics.
package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/Near-One/nayduck/commitresolver"
	"github.com/Near-One/nayduck/store"
)

// DiskUsage reports free bytes on a filesystem path. Implemented with a
// syscall-backed adapter at the cmd/builder wiring layer so this package
// stays free of platform-specific code.
type DiskUsage func(path string) (freeBytes int64, err error)

// Daemon is one builder instance, identified by its host IPv4 (spec §4.3).
type Daemon struct {
	Store     store.Store
	Resolver  *commitresolver.Resolver
	BuilderIP uint32
	WorkDir   string // <workdir> of spec §6's artifact layout
	LowWater  int64  // disk guard threshold, default 50 GB

	FreeBytes DiskUsage

	claimPollInterval time.Duration
	diskGuardSleep    time.Duration
}

// NewDaemon returns a Daemon with spec-mandated default poll intervals.
func NewDaemon(s store.Store, r *commitresolver.Resolver, builderIP uint32, workDir string, lowWater int64, freeBytes DiskUsage) *Daemon {
	return &Daemon{
		Store:             s,
		Resolver:          r,
		BuilderIP:         builderIP,
		WorkDir:           workDir,
		LowWater:          lowWater,
		FreeBytes:         freeBytes,
		claimPollInterval: 10 * time.Second,
		diskGuardSleep:    5 * time.Second,
	}
}

// Run performs startup recovery then loops forever, claiming and executing
// builds, until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	id := uuid.New().String()
	glog.Infof("builder[%s]: starting at ip=%d workdir=%s", id, d.BuilderIP, d.WorkDir)

	if err := d.Store.RestartBuilder(ctx, d.BuilderIP); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := d.guardDisk(ctx); err != nil {
			glog.Errorf("builder[%s]: disk guard failed: %v", id, err)
		}

		build, err := d.Store.ClaimBuild(ctx, d.BuilderIP)
		if err != nil {
			glog.Errorf("builder[%s]: claim failed: %v", id, err)
			sleep(ctx, d.claimPollInterval)
			continue
		}
		if build == nil {
			sleep(ctx, d.claimPollInterval)
			continue
		}

		d.execute(ctx, id, build)
	}
}

// guardDisk implements spec §4.3 step 1 / workers/builder.py's
// wait_for_free_space: free owned-but-idle builds first, then scratch
// checkout dirs, then block until space frees up.
func (d *Daemon) guardDisk(ctx context.Context) error {
	enough := func() (bool, error) {
		free, err := d.FreeBytes(d.WorkDir)
		if err != nil {
			return false, err
		}
		return free >= d.LowWater, nil
	}

	cleanFinished := func() (bool, error) {
		ids, err := d.Store.BuildsWithoutPendingTests(ctx, d.BuilderIP)
		if err != nil {
			return false, err
		}
		if len(ids) > 0 {
			var result error
			for _, id := range ids {
				if err := os.RemoveAll(d.buildDir(id)); err != nil {
					result = multierror.Append(result, err)
				}
			}
			if err := d.Store.UnassignBuilds(ctx, ids); err != nil {
				result = multierror.Append(result, err)
			}
			if result != nil {
				glog.Errorf("builder: disk guard cleanup errors: %v", result)
			}
		}
		return enough()
	}

	ok, err := enough()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if ok, err = cleanFinished(); err != nil {
		return err
	} else if ok {
		return nil
	}

	os.RemoveAll(filepath.Join(d.Resolver.RepoDir(), "..", "target"))
	os.RemoveAll(filepath.Join(d.Resolver.RepoDir(), "..", "target_expensive"))
	if ok, err = enough(); err != nil {
		return err
	} else if ok {
		return nil
	}

	glog.Warningf("builder: not enough free space; waiting for tests to finish")
	for {
		sleep(ctx, d.diskGuardSleep)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ok, err := cleanFinished(); err != nil {
			return err
		} else if ok {
			glog.Infof("builder: got enough free space; continuing")
			return nil
		}
	}
}

func (d *Daemon) buildDir(buildID int64) string {
	return filepath.Join(d.WorkDir, "builds", strconv.FormatInt(buildID, 10))
}

// execute runs one claimed build end to end: checkout, build, publish,
// report (spec §4.3 steps 3-6), mirroring kubeExecutor.Execute's
// provision/monitor/report-via-goto-endSession shape.
func (d *Daemon) execute(ctx context.Context, id string, b *store.ClaimedBuild) {
	sha := fmt.Sprintf("%x", b.SHA)
	glog.Infof("builder[%s]: build #%d sha=%s release=%v features=%q expensive=%v",
		id, b.BuildID, sha, b.IsRelease, b.Features, b.Expensive)

	var stdout, stderr bytes.Buffer
	success := false

	if err := d.checkout(ctx, sha, &stdout, &stderr); err != nil {
		fmt.Fprintf(&stderr, "checkout failed: %v\n", err)
		goto report
	}
	if err := d.buildTarget(ctx, b, &stdout, &stderr); err != nil {
		fmt.Fprintf(&stderr, "build failed: %v\n", err)
		goto report
	}
	if err := d.publish(b); err != nil {
		fmt.Fprintf(&stderr, "publish failed: %v\n", err)
		goto report
	}
	success = true

report:
	glog.Infof("builder[%s]: build #%d %s", id, b.BuildID, outcomeWord(success))
	if err := d.Store.ReportBuild(ctx, b.BuildID, success, stdout.Bytes(), stderr.Bytes()); err != nil {
		glog.Errorf("builder[%s]: report build #%d failed: %v", id, b.BuildID, err)
	}
}

func outcomeWord(success bool) string {
	if success {
		return "succeeded"
	}
	return "failed"
}

// checkout ensures the shared source checkout is at sha (spec §4.3 step 3).
func (d *Daemon) checkout(ctx context.Context, sha string, stdout, stderr *bytes.Buffer) error {
	if err := d.Resolver.Update(ctx); err != nil {
		return err
	}
	return d.run(ctx, d.Resolver.RepoDir(), stdout, stderr, "git", "checkout", "--force", sha)
}

// buildTarget runs the opaque build command (spec §4.3 step 4), grounded on
// build_target's cargo invocations: a normal build, an optional expensive
// target when the build group has an expensive test, hard-linked into the
// publish directory afterward.
func (d *Daemon) buildTarget(ctx context.Context, b *store.ClaimedBuild, stdout, stderr *bytes.Buffer) error {
	repo := d.Resolver.RepoDir()
	features := strings.Split(b.Features, ",")

	// cargo runs "cargo build <args>", adding the build group's --features
	// when addFeatures is set and always adding --release for a release
	// build (every cargo invocation needs --release, not just the ones
	// that also take --features, mirroring build_target's inner cargo()).
	cargo := func(addFeatures bool, args ...string) error {
		cmd := append([]string{"build"}, args...)
		if addFeatures && b.Features != "" {
			cmd = append(cmd, "--features", strings.Join(features, ","))
		}
		if b.IsRelease {
			cmd = append(cmd, "--release")
		}
		return d.run(ctx, repo, stdout, stderr, "cargo", cmd...)
	}

	if err := cargo(true, "-pneard", "--bin", "neard"); err != nil {
		return err
	}
	if err := cargo(false, "-pgenesis-populate", "-prestaked", "-pnear-test-contracts"); err != nil {
		return err
	}

	if b.Expensive {
		if err := cargo(true, "--tests", "--target-dir", "target_expensive", "--features=expensive_tests"); err != nil {
			return err
		}
	}
	return nil
}

// publish hard-links the built executables and data files into
// <workdir>/builds/<build_id>/ (spec §4.3 step 5 / spec §6's artifact
// layout).
func (d *Daemon) publish(b *store.ClaimedBuild) error {
	buildType := "debug"
	if b.IsRelease {
		buildType = "release"
	}
	repo := d.Resolver.RepoDir()
	dst := d.buildDir(b.BuildID)

	if err := hardLinkAll(
		filepath.Join(repo, "target", buildType),
		[]string{"neard", "genesis-populate", "restaked"},
		filepath.Join(dst, "target")); err != nil {
		return err
	}

	contractsSrc := filepath.Join(repo, "runtime", "near-test-contracts", "res")
	entries, err := os.ReadDir(contractsSrc)
	if err != nil {
		return err
	}
	var wasms []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".wasm") {
			wasms = append(wasms, e.Name())
		}
	}
	if err := hardLinkAll(contractsSrc, wasms, filepath.Join(dst, "near-test-contracts")); err != nil {
		return err
	}

	if !b.Expensive {
		return nil
	}
	expensiveSrc := filepath.Join(repo, "target_expensive", buildType, "deps")
	exes, err := listExecutables(expensiveSrc)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return hardLinkAll(expensiveSrc, exes, filepath.Join(dst, "expensive"))
}

func hardLinkAll(srcDir string, files []string, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	for _, name := range files {
		src := filepath.Join(srcDir, name)
		dst := filepath.Join(dstDir, name)
		os.Remove(dst)
		if err := os.Link(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func listExecutables(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.Contains(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0o100 == 0 {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

func (d *Daemon) run(ctx context.Context, dir string, stdout, stderr *bytes.Buffer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
