package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Near-One/nayduck/nayduckv1"
	"github.com/Near-One/nayduck/store"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
	return path
}

func TestClassifyPassedNonExpensiveAlwaysPasses(t *testing.T) {
	dir := t.TempDir()
	stdout := writeFile(t, dir, "stdout", "anything at all\nstack backtrace:\n")
	stderr := writeFile(t, dir, "stderr", "stack backtrace:\n")
	ct := &store.ClaimedTest{Category: nayduckv1.CategoryPytest}
	if got := classifyPassed(ct, stdout, stderr); got != nayduckv1.TestPassed {
		t.Errorf("classifyPassed(pytest) = %v, want PASSED", got)
	}
}

func TestClassifyPassedExpensiveIgnored(t *testing.T) {
	dir := t.TempDir()
	stdout := writeFile(t, dir, "stdout", "test result: ok. 0 passed; 0 failed\n")
	stderr := writeFile(t, dir, "stderr", "")
	ct := &store.ClaimedTest{Category: nayduckv1.CategoryExpensive}
	if got := classifyPassed(ct, stdout, stderr); got != nayduckv1.TestIgnored {
		t.Errorf("classifyPassed(expensive, 0 passed) = %v, want IGNORED", got)
	}
}

func TestClassifyPassedExpensiveFailedViaBacktrace(t *testing.T) {
	dir := t.TempDir()
	stdout := writeFile(t, dir, "stdout", "test result: ok. 3 passed; 0 failed\n")
	stderr := writeFile(t, dir, "stderr", "thread panicked\nstack backtrace:\n  0: foo\n")
	ct := &store.ClaimedTest{Category: nayduckv1.CategoryExpensive}
	if got := classifyPassed(ct, stdout, stderr); got != nayduckv1.TestFailed {
		t.Errorf("classifyPassed(expensive, backtrace in stderr) = %v, want FAILED", got)
	}
}

func TestClassifyPassedExpensivePassed(t *testing.T) {
	dir := t.TempDir()
	stdout := writeFile(t, dir, "stdout", "test result: ok. 3 passed; 0 failed\n")
	stderr := writeFile(t, dir, "stderr", "")
	ct := &store.ClaimedTest{Category: nayduckv1.CategoryExpensive}
	if got := classifyPassed(ct, stdout, stderr); got != nayduckv1.TestPassed {
		t.Errorf("classifyPassed(expensive, clean) = %v, want PASSED", got)
	}
}

func TestLastNonEmptyLineContains(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stdout", "line one\ntest result: ok. 0 passed\n\n\n")
	if !lastNonEmptyLineContains(path, "0 passed") {
		t.Error("lastNonEmptyLineContains: want true for trailing blank lines ignored")
	}
	if lastNonEmptyLineContains(path, "nonexistent") {
		t.Error("lastNonEmptyLineContains: want false for a substring not present")
	}
}

func TestLastNonEmptyLineContainsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stdout", "")
	if !lastNonEmptyLineContains(path, "anything") {
		t.Error("lastNonEmptyLineContains of an all-blank file should default to true (ignored)")
	}
}

func TestScanPatterns(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stderr", "some output\nLONG DELAY detected\nmore output\n")
	found, err := scanPatterns(path, interestingPatterns)
	if err != nil {
		t.Fatalf("scanPatterns: %v", err)
	}
	if len(found) != 1 || found[0] != "LONG DELAY" {
		t.Errorf("scanPatterns = %v, want [\"LONG DELAY\"]", found)
	}
}

func TestScanPatternsNoMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stderr", "all clear\n")
	found, err := scanPatterns(path, interestingPatterns)
	if err != nil {
		t.Fatalf("scanPatterns: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("scanPatterns = %v, want none", found)
	}
}

func TestHeadAndTailSmallUnchanged(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)
	if got := headAndTail(data, 1024); !bytes.Equal(got, data) {
		t.Error("headAndTail of small data should return it unchanged")
	}
}

func TestHeadAndTailTruncates(t *testing.T) {
	data := append(bytes.Repeat([]byte("a"), 5000), bytes.Repeat([]byte("b"), 5000)...)
	got := headAndTail(data, 1024)
	if !bytes.HasPrefix(got, bytes.Repeat([]byte("a"), 1024)) {
		t.Error("headAndTail should keep the first n bytes")
	}
	if !bytes.HasSuffix(got, bytes.Repeat([]byte("b"), 1024)) {
		t.Error("headAndTail should keep the last n bytes")
	}
	if bytes.Contains(got, bytes.Repeat([]byte("a"), 5000)) {
		t.Error("headAndTail should not keep the full original data")
	}
}

func TestBuilderAddr(t *testing.T) {
	var ip uint32 = 10<<24 | 0<<16 | 0<<8 | 5
	if got, want := BuilderAddr(ip), "10.0.0.5"; got != want {
		t.Errorf("BuilderAddr(%d) = %q, want %q", ip, got, want)
	}
}

func TestExitCodeOfNilError(t *testing.T) {
	if got := exitCodeOf(nil); got != 0 {
		t.Errorf("exitCodeOf(nil) = %d, want 0", got)
	}
}

func TestCommandPytestReparsesArgsFromName(t *testing.T) {
	d := &Daemon{}
	ct := &store.ClaimedTest{Category: nayduckv1.CategoryPytest, Name: "pytest sanity/rpc.py"}
	cmd, err := d.command(context.Background(), "/work/test-1", ct)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	wantArg := filepath.Join("tests", "sanity/rpc.py")
	if len(cmd.Args) < 2 || cmd.Args[len(cmd.Args)-1] != wantArg {
		t.Errorf("command args = %v, want last arg %q", cmd.Args, wantArg)
	}
	if want := filepath.Join("/work/test-1", "pytest"); cmd.Dir != want {
		t.Errorf("command dir = %q, want %q", cmd.Dir, want)
	}
}

func TestCommandExpensiveFindsHashedExecutable(t *testing.T) {
	dir := t.TempDir()
	exeDir := filepath.Join(dir, "expensive")
	if err := os.MkdirAll(exeDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeFile(t, exeDir, "test_tps-9f8e7d6c5b4a3210", "")

	d := &Daemon{}
	ct := &store.ClaimedTest{
		Category: nayduckv1.CategoryExpensive,
		Name:     "expensive nearcore test_tps test::highload",
	}
	cmd, err := d.command(context.Background(), dir, ct)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if want := filepath.Join(exeDir, "test_tps-9f8e7d6c5b4a3210"); cmd.Path != want {
		t.Errorf("command path = %q, want %q", cmd.Path, want)
	}
	if len(cmd.Args) < 2 || cmd.Args[1] != "test::highload" {
		t.Errorf("command args = %v, want second arg %q", cmd.Args, "test::highload")
	}
}

func TestCommandExpensiveMissingExecutable(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "expensive"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	d := &Daemon{}
	ct := &store.ClaimedTest{
		Category: nayduckv1.CategoryExpensive,
		Name:     "expensive nearcore test_tps test::highload",
	}
	if _, err := d.command(context.Background(), dir, ct); err == nil {
		t.Error("command: want error when no executable matches, got nil")
	}
}

func TestFindExpensiveExecutableMatchesUnderscoredPrefix(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "test_tps-abc123", "")
	got, err := findExpensiveExecutable(dir, "test-tps")
	if err != nil {
		t.Fatalf("findExpensiveExecutable: %v", err)
	}
	if want := filepath.Join(dir, "test_tps-abc123"); got != want {
		t.Errorf("findExpensiveExecutable = %q, want %q", got, want)
	}
}
