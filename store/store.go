// Package store defines the durable shared-state protocol (spec §3/§5):
// runs, builds, tests, logs and auth cookies, with serializable-isolation
// transactions for every claim/report/admission operation.
package store

import (
	"context"
	"time"

	"github.com/Near-One/nayduck/nayduckv1"
)

// BuildGroup is one (is_release, features) bucket of tests to admit as a
// single build, as produced by the admission pipeline (spec §4.1 step 4).
type BuildGroup struct {
	IsRelease bool
	Features  string
	Tests     []AdmittedTest
}

// AdmittedTest is a normalized test ready for insertion, produced by the
// TestSpec parser.
type AdmittedTest struct {
	Name      string
	Category  nayduckv1.Category
	Timeout   time.Duration
	SkipBuild bool
}

// ScheduleRunRequest is the input to ScheduleRun (spec §4.1).
type ScheduleRunRequest struct {
	Branch    string
	SHA       [20]byte
	Title     string
	Requester string
	Groups    []BuildGroup
}

// ClaimedBuild is a build row claimed by a builder, joined with the data the
// builder needs to run it (spec §4.3 step 2).
type ClaimedBuild struct {
	BuildID   int64
	RunID     int64
	SHA       [20]byte
	Features  string
	IsRelease bool
	Expensive bool
}

// ClaimedTest is a test row claimed by a worker, joined with its build's
// owner and the run's commit (spec §4.4 step 1).
type ClaimedTest struct {
	TestID    int64
	RunID     int64
	BuildID   int64
	Name      string
	Category  nayduckv1.Category
	Timeout   time.Duration
	SkipBuild bool
	Tries     int
	BuilderIP uint32
	SHA       [20]byte
}

// Store is the shared-state protocol every component of the dispatch engine
// depends on. Implementations must provide serializable isolation for every
// method documented as a "claim" or "report" operation.
type Store interface {
	// ScheduleRun is the admission transaction (spec §4.1 step 5): inserts
	// the run row, one build row per group, and all test rows, atomically.
	ScheduleRun(ctx context.Context, req ScheduleRunRequest) (runID int64, err error)

	// CancelRun cancels all PENDING tests (-> CANCELED) and all PENDING
	// builds (-> BUILD DONE) in a run. Returns the number of affected rows.
	CancelRun(ctx context.Context, runID int64) (int, error)

	// RetryRun re-queues all FAILED/TIMEOUT tests in a run back to PENDING,
	// deleting their old logs and, for tests with a real build, resetting
	// that build to PENDING if it had failed or was done-but-unassigned.
	RetryRun(ctx context.Context, runID int64) (int, error)

	// ClaimBuild claims the single PENDING build with lowest
	// (low_priority, build_id) for builderIP (spec §4.3 step 2). Returns
	// nil, nil if none is available.
	ClaimBuild(ctx context.Context, builderIP uint32) (*ClaimedBuild, error)

	// ReportBuild writes the terminal status of a build (spec §4.3 step 6).
	// On failure, cascade-cancels dependent PENDING tests in the same
	// transaction (invariant T2).
	ReportBuild(ctx context.Context, buildID int64, success bool, stdout, stderr []byte) error

	// RestartBuilder resets every BUILDING row owned by builderIP back to
	// PENDING (spec §4.3 startup recovery).
	RestartBuilder(ctx context.Context, builderIP uint32) error

	// BuildsWithoutPendingTests returns build IDs owned by builderIP with no
	// dependent test still PENDING or RUNNING (spec §4.3 step 1, the
	// disk-guard sweep).
	BuildsWithoutPendingTests(ctx context.Context, builderIP uint32) ([]int64, error)

	// UnassignBuilds clears builder_ip on the given builds after their
	// artifact directories have been reclaimed.
	UnassignBuilds(ctx context.Context, buildIDs []int64) error

	// ClaimTest claims the single eligible PENDING test for workerHostname
	// (spec §4.4 step 1). Eligible excludes tests whose tries already
	// reached nayduckv1.MaxTries (invariant T1) and tests whose
	// select_after is still in the future (a pending POSTPONE cooldown).
	// Returns nil, nil if none is available.
	ClaimTest(ctx context.Context, workerHostname string, mocknetCapable bool) (*ClaimedTest, error)

	// PostponeTest releases a test's claim back to PENDING without
	// decrementing tries, and sets select_after to NOW() + 3 minutes so it
	// isn't immediately reclaimable, per the exit-13 POSTPONE contract
	// (spec §4.4 step 4, §5).
	PostponeTest(ctx context.Context, testID int64) error

	// ReportTest writes the terminal status of a test (spec §4.4 step 6).
	ReportTest(ctx context.Context, testID int64, status nayduckv1.TestStatus) error

	// SaveTestLogs upserts the log rows for a test, keyed by (test_id,
	// type) (spec §4.4 step 5).
	SaveTestLogs(ctx context.Context, testID int64, logs []nayduckv1.Log) error

	// RestartWorker resets every RUNNING row owned by workerHostname back to
	// PENDING, decrementing tries with a floor of 0 (spec §4.4 startup
	// recovery).
	RestartWorker(ctx context.Context, workerHostname string) error

	// LastNightlyRun returns the most recent run submitted by the nightly
	// bot, or nil if none exists yet (spec §4.5 step 1).
	LastNightlyRun(ctx context.Context) (*nayduckv1.Run, error)

	// AddAuthCookie inserts a new AuthCookie row, garbage-collecting
	// expired ones first (spec §3 AuthCookie).
	AddAuthCookie(ctx context.Context, cookie nayduckv1.AuthCookie) error

	// VerifyAuthCookie consumes (deletes) a matching cookie row and reports
	// whether it existed, garbage-collecting expired rows along the way.
	VerifyAuthCookie(ctx context.Context, cookie nayduckv1.AuthCookie) (bool, error)
}
