// Package admission implements the run-admission pipeline (spec §4.1):
// validating a request, parsing its test lines, resolving the commit, and
// inserting the run/builds/tests atomically via the Store.
package admission

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/Near-One/nayduck/commitresolver"
	"github.com/Near-One/nayduck/store"
	"github.com/Near-One/nayduck/testspec"
)

const maxTestCount = 1024

// Request is the shape translated from the JSON façade (spec §6's
// run-request JSON), already stripped of transport concerns.
type Request struct {
	Branch    string
	SHA       string
	Requester string
	Tests     []string

	// Commit, if non-nil, is a pre-resolved commit (used by Nightly, which
	// already knows the canonical sha/title and shouldn't pay for a second
	// resolution).
	Commit *commitresolver.Commit
}

// Failure is a structured, user-facing admission error (spec §4.1
// "Errors"). Its Error() is the exact message returned to the caller.
type Failure struct {
	msg string
}

func (f *Failure) Error() string { return f.msg }

func fail(format string, args ...interface{}) *Failure {
	return &Failure{msg: sprintf(format, args...)}
}

// Admitter runs the admission pipeline against a Store, resolving commits
// through a commitresolver.Resolver when the caller doesn't supply one.
type Admitter struct {
	Store    store.Store
	Resolver *commitresolver.Resolver
}

// Submit validates req, parses its tests, resolves the commit if needed, and
// schedules the run in one serializable transaction (spec §4.1 steps 1-6).
func (a *Admitter) Submit(ctx context.Context, req Request) (int64, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("branch", req.Branch, "requester", req.Requester)

	if req.Branch == "" || req.SHA == "" || req.Requester == "" {
		return 0, fail("Invalid request object: missing branch, sha or requester field")
	}
	if len(req.Tests) == 0 {
		return 0, fail("No tests specified")
	}

	specs, err := parseTests(req.Tests)
	if err != nil {
		return 0, err
	}

	commit := req.Commit
	if commit == nil {
		if a.Resolver == nil {
			return 0, fail("no commit resolver configured")
		}
		if err := a.Resolver.Update(ctx); err != nil {
			log.Error(err, "failed to update repo clone")
			return 0, fail("Could not resolve commit %q: %v", req.SHA, err)
		}
		resolved, err := a.Resolver.ForCommit(ctx, req.SHA)
		if err != nil {
			log.Error(err, "failed to resolve commit")
			return 0, fail("Could not resolve commit %q: %v", req.SHA, err)
		}
		commit = &resolved
	}

	var sha [20]byte
	if err := decodeSHA(commit.SHA, &sha); err != nil {
		return 0, fail("Invalid commit sha %q: %v", commit.SHA, err)
	}

	groups := groupByBuild(specs, req.Branch)

	runID, err := a.Store.ScheduleRun(ctx, store.ScheduleRunRequest{
		Branch:    req.Branch,
		SHA:       sha,
		Title:     commit.Title,
		Requester: req.Requester,
		Groups:    groups,
	})
	if err != nil {
		log.Error(err, "failed to schedule run")
		return 0, fail("failed to schedule run: %v", err)
	}

	log.Info("run scheduled", "run_id", runID, "tests", len(specs))
	return runID, nil
}

// parseTests parses the free-form test lines (spec §4.1 step 2), grounded
// on scheduler.py's Request.parse_tests: '#'-prefixed/blank lines are
// dropped, each line may carry a count prefix, and the expanded test count
// must land in 1..maxTestCount.
func parseTests(lines []string) ([]*testspec.Spec, error) {
	var result []*testspec.Spec
	for _, line := range lines {
		trimmed := trimLeadingSpace(line)
		if trimmed == "" || trimmed[0] == '#' {
			continue
		}
		count, spec, err := testspec.ParseWithCount(trimmed)
		if err != nil {
			return nil, fail("%v", err)
		}
		if count+len(result) > maxTestCount {
			return nil, fail("Invalid request object: too many tests; max %d allowed", maxTestCount)
		}
		for i := 0; i < count; i++ {
			result = append(result, spec)
		}
	}
	if len(result) == 0 {
		return nil, fail("Invalid request object: no tests specified")
	}
	return result, nil
}

func groupByBuild(specs []*testspec.Spec, branch string) []store.BuildGroup {
	type key struct {
		isRelease bool
		features  string
	}
	order := []key{}
	byKey := map[key]*store.BuildGroup{}

	for _, s := range specs {
		k := key{isRelease: s.IsRelease, features: s.Features}
		g, ok := byKey[k]
		if !ok {
			g = &store.BuildGroup{IsRelease: s.IsRelease, Features: s.Features}
			byKey[k] = g
			order = append(order, k)
		}
		g.Tests = append(g.Tests, store.AdmittedTest{
			Name:      s.ShortName(),
			Category:  categoryOf(s.Category),
			Timeout:   secondsToDuration(s.Timeout),
			SkipBuild: s.SkipBuild,
		})
	}

	groups := make([]store.BuildGroup, 0, len(order))
	for _, k := range order {
		groups = append(groups, *byKey[k])
	}
	return groups
}
