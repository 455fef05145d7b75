// Package worker implements the test dispatcher daemon (spec §4.4): a
// long-running loop that claims pending tests, fetches build artifacts from
// the owning builder, executes the test with a timeout, classifies its
// outcome, collects logs, and reports status. Grounded on
// workers/worker.py/db_worker.py for exact execution/classification/log
// scanning semantics, and on orch.Controller's daemon-loop shape.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Near-One/nayduck/blobstore"
	"github.com/Near-One/nayduck/nayduckv1"
	"github.com/Near-One/nayduck/store"
	"github.com/Near-One/nayduck/testspec"
)

// backtracePattern is the line worker.py's FAIL_PATTERNS/INTERESTING_PATTERNS
// both use to recognize a Rust panic.
const backtracePattern = "stack backtrace:"

// interestingPatterns are scanned for in every collected log file (spec
// §4.4 step 5).
var interestingPatterns = []string{backtracePattern, "LONG DELAY"}

// defaultTimeout is used when a test spec's own Timeout is zero.
const defaultTimeout = 180 * time.Second

// postponeExitCode is the sentinel exit status a test binary uses to ask to
// be retried later (spec §4.4 step 4). The try counted by the claim is kept,
// so postponed retries stay bounded by nayduckv1.MaxTries.
const postponeExitCode = 13

// inlineLogThreshold is the byte size above which a log is archived to blob
// storage instead of stored inline (spec §6).
const inlineLogThreshold = 10 << 10

// headTailBytes bounds how much of an oversized log is kept when it is
// stored inline: the first and last headTailBytes, joined by an ellipsis
// marker, mirroring save_logs's head+tail truncation.
const headTailBytes = 5 * 1024

// ArtifactFetcher copies a builder's published build directory for buildID
// into localDir, keyed by the builder's IP (spec §4.4 step 2). expensive
// requests the additional expensive/ executables directory, published only
// for builds with an expensive-category test. The concrete transport (SCP
// against the builder host) is supplied by the cmd/worker wiring layer.
type ArtifactFetcher func(ctx context.Context, builderIP uint32, buildID int64, localDir string, expensive bool) error

// Daemon is one worker instance, identified by hostname (spec §4.4).
type Daemon struct {
	Store     store.Store
	Blobs     blobstore.Store
	Fetch     ArtifactFetcher
	Hostname  string
	WorkDir   string
	Mocknet   bool // whether this host's claims prefer mocknet-category tests

	claimPollInterval time.Duration
}

// NewDaemon returns a Daemon with the spec-mandated default poll interval.
func NewDaemon(s store.Store, blobs blobstore.Store, fetch ArtifactFetcher, hostname, workDir string, mocknet bool) *Daemon {
	return &Daemon{
		Store:             s,
		Blobs:             blobs,
		Fetch:             fetch,
		Hostname:          hostname,
		WorkDir:           workDir,
		Mocknet:           mocknet,
		claimPollInterval: 10 * time.Second,
	}
}

// Run performs startup recovery then loops forever, claiming and executing
// tests, until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	id := uuid.New().String()
	glog.Infof("worker[%s]: starting at host=%s workdir=%s", id, d.Hostname, d.WorkDir)

	if err := d.Store.RestartWorker(ctx, d.Hostname); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		test, err := d.Store.ClaimTest(ctx, d.Hostname, d.Mocknet)
		if err != nil {
			glog.Errorf("worker[%s]: claim failed: %v", id, err)
			sleep(ctx, d.claimPollInterval)
			continue
		}
		if test == nil {
			sleep(ctx, d.claimPollInterval)
			continue
		}

		d.execute(ctx, id, test)
	}
}

// execute runs one claimed test end to end: fetch, run, classify, collect
// logs, report (spec §4.4 steps 2-6).
func (d *Daemon) execute(ctx context.Context, id string, t *store.ClaimedTest) {
	glog.Infof("worker[%s]: test #%d %q (try %d/%d)", id, t.TestID, t.Name, t.Tries, nayduckv1.MaxTries)

	dir, err := os.MkdirTemp(d.WorkDir, "test-")
	if err != nil {
		glog.Errorf("worker[%s]: mkdtemp failed: %v", id, err)
		d.reportFailed(ctx, t.TestID)
		return
	}
	defer os.RemoveAll(dir)

	if !t.SkipBuild {
		if err := d.Fetch(ctx, t.BuilderIP, t.BuildID, dir, t.Category == nayduckv1.CategoryExpensive); err != nil {
			glog.Errorf("worker[%s]: fetch artifacts for build #%d failed: %v", id, t.BuildID, err)
			d.reportFailed(ctx, t.TestID)
			return
		}
	}

	status := d.run(ctx, dir, t)
	if status == "" {
		// POSTPONE: release the claim; the try counted by the claim is kept.
		if err := d.Store.PostponeTest(ctx, t.TestID); err != nil {
			glog.Errorf("worker[%s]: postpone test #%d failed: %v", id, t.TestID, err)
		}
		return
	}

	logs, err := d.collectLogs(ctx, dir, t.TestID)
	if err != nil {
		glog.Errorf("worker[%s]: collect logs for test #%d failed: %v", id, t.TestID, err)
	} else if len(logs) > 0 {
		if err := d.Store.SaveTestLogs(ctx, t.TestID, logs); err != nil {
			glog.Errorf("worker[%s]: save logs for test #%d failed: %v", id, t.TestID, err)
		}
	}

	glog.Infof("worker[%s]: test #%d -> %s", id, t.TestID, status)
	if err := d.Store.ReportTest(ctx, t.TestID, status); err != nil {
		glog.Errorf("worker[%s]: report test #%d failed: %v", id, t.TestID, err)
	}
}

func (d *Daemon) reportFailed(ctx context.Context, testID int64) {
	if err := d.Store.ReportTest(ctx, testID, nayduckv1.TestFailed); err != nil {
		glog.Errorf("worker: report test #%d failed: %v", testID, err)
	}
}

// run executes the test binary with a timeout and classifies its outcome
// (spec §4.4 step 3), grounded on run_test. Returns "" for the POSTPONE
// sentinel (exit code 13).
func (d *Daemon) run(ctx context.Context, dir string, t *store.ClaimedTest) nayduckv1.TestStatus {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdoutPath := filepath.Join(dir, "stdout")
	stderrPath := filepath.Join(dir, "stderr")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nayduckv1.TestFailed
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return nayduckv1.TestFailed
	}
	defer stderr.Close()

	cmd, err := d.command(cctx, dir, t)
	if err != nil {
		glog.Errorf("worker: build command for test #%d %q: %v", t.TestID, t.Name, err)
		return nayduckv1.TestFailed
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = newProcessGroupAttr()

	if err := cmd.Start(); err != nil {
		return nayduckv1.TestFailed
	}

	waitErr := cmd.Wait()
	if cctx.Err() == context.DeadlineExceeded {
		killProcessGroup(cmd.Process.Pid)
		return nayduckv1.TestTimeout
	}

	exitCode := exitCodeOf(waitErr)
	switch {
	case exitCode == 0:
		return classifyPassed(t, stdoutPath, stderrPath)
	case exitCode == postponeExitCode:
		return ""
	default:
		return nayduckv1.TestFailed
	}
}

// command builds the argv for t's category, mirroring
// get_sequential_test_cmd. t.Name is the normalized ShortName produced by
// admission (category, release/remote flags, positional args, features);
// re-parsing it recovers the positional args a plain filename can't carry.
func (d *Daemon) command(ctx context.Context, dir string, t *store.ClaimedTest) (*exec.Cmd, error) {
	spec, err := testspec.Parse(t.Name)
	if err != nil {
		return nil, fmt.Errorf("reparse test name: %w", err)
	}

	switch t.Category {
	case nayduckv1.CategoryPytest, nayduckv1.CategoryMocknet:
		argv := append([]string{filepath.Join("tests", spec.Args[0])}, spec.Args[1:]...)
		cmd := exec.CommandContext(ctx, "python", argv...)
		cmd.Dir = filepath.Join(dir, "pytest")
		return cmd, nil
	default: // expensive
		exeDir := filepath.Join(dir, "expensive")
		exe, err := findExpensiveExecutable(exeDir, spec.Args[1])
		if err != nil {
			return nil, err
		}
		cmd := exec.CommandContext(ctx, exe, spec.Args[2], "--exact", "--nocapture")
		cmd.Dir = dir
		return cmd, nil
	}
}

// findExpensiveExecutable locates the cargo test binary matching namePrefix
// among the executables published into dir, mirroring
// get_sequential_test_cmd's "test[2].replace('-', '_') + '-' in f" scan over
// the deps directory.
func findExpensiveExecutable(dir, namePrefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list expensive executables: %w", err)
	}
	want := strings.ReplaceAll(namePrefix, "-", "_") + "-"
	for _, e := range entries {
		if !e.IsDir() && strings.Contains(e.Name(), want) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no expensive test executable matching %q in %s", namePrefix, dir)
}

// classifyPassed distinguishes PASSED from IGNORED for expensive tests whose
// harness can report "0 passed" (spec §4.4 step 3), and still allows a clean
// exit to be reclassified FAILED if its stderr contains a backtrace.
func classifyPassed(t *store.ClaimedTest, stdoutPath, stderrPath string) nayduckv1.TestStatus {
	if t.Category != nayduckv1.CategoryExpensive {
		return nayduckv1.TestPassed
	}
	if lastNonEmptyLineContains(stdoutPath, "0 passed") {
		return nayduckv1.TestIgnored
	}
	if found, _ := scanPatterns(stderrPath, []string{backtracePattern}); len(found) > 0 {
		return nayduckv1.TestFailed
	}
	return nayduckv1.TestPassed
}

func lastNonEmptyLineContains(path, substr string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return strings.Contains(line, substr)
	}
	return true // no non-empty line at all counts as "ignored", per run_test
}

// collectLogs gathers stdout/stderr (and any other artifact files in dir),
// scans each for interestingPatterns, and either inlines or uploads to blob
// storage depending on size (spec §4.4 step 5 / save_logs).
func (d *Daemon) collectLogs(ctx context.Context, dir string, testID int64) ([]nayduckv1.Log, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	logs := make([]nayduckv1.Log, len(files))
	for i, name := range files {
		i, name := i, name
		g.Go(func() error {
			log, err := d.collectOne(gctx, filepath.Join(dir, name), name, testID)
			if err != nil {
				return err
			}
			logs[i] = log
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (d *Daemon) collectOne(ctx context.Context, path, logType string, testID int64) (nayduckv1.Log, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nayduckv1.Log{}, err
	}

	found, err := scanPatterns(path, interestingPatterns)
	if err != nil {
		return nayduckv1.Log{}, err
	}
	stackTrace := false
	for _, p := range found {
		if p == backtracePattern {
			stackTrace = true
			break
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nayduckv1.Log{}, err
	}

	log := nayduckv1.Log{
		TestID:     testID,
		Type:       logType,
		Size:       info.Size(),
		StackTrace: stackTrace,
	}

	if int64(len(data)) <= inlineLogThreshold {
		log.Data = data
		return log, nil
	}

	url, err := d.Blobs.Put(ctx, fmt.Sprintf("%d_%s", testID, logType), data)
	if err != nil {
		return nayduckv1.Log{}, err
	}
	log.Storage = url
	log.Data = headAndTail(data, headTailBytes)
	return log, nil
}

func headAndTail(data []byte, n int) []byte {
	if len(data) <= 2*n {
		return data
	}
	var buf bytes.Buffer
	buf.Write(data[:n])
	buf.WriteString("\n...\n")
	buf.Write(data[len(data)-n:])
	return buf.Bytes()
}

// scanPatterns reports which of patterns occur (as fixed substrings) in any
// line of the file at path, mirroring find_patterns.
func scanPatterns(path string, patterns []string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	found := make([]bool, len(patterns))
	remaining := len(patterns)
	for _, line := range strings.Split(string(data), "\n") {
		for i, p := range patterns {
			if !found[i] && strings.Contains(line, p) {
				found[i] = true
				remaining--
			}
		}
		if remaining == 0 {
			break
		}
	}
	var out []string
	for i, p := range patterns {
		if found[i] {
			out = append(out, p)
		}
	}
	return out, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return -1
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// BuilderAddr formats a builder's IPv4, stored as a uint32 in the shared
// state, back into dotted-quad form for ArtifactFetcher implementations.
func BuilderAddr(ip uint32) string {
	return net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)).String()
}
