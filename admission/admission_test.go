package admission

import (
	"context"
	"strings"
	"testing"

	"github.com/Near-One/nayduck/commitresolver"
	"github.com/Near-One/nayduck/store"
	"github.com/Near-One/nayduck/testspec"
)

func TestParseTestsSkipsCommentsAndBlanks(t *testing.T) {
	specs, err := parseTests([]string{
		"# a comment",
		"",
		"   ",
		"pytest sanity/rpc.py",
		"2 pytest sanity/rpc2.py",
	})
	if err != nil {
		t.Fatalf("parseTests: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("parseTests returned %d specs, want 3", len(specs))
	}
}

func TestParseTestsCountBoundary(t *testing.T) {
	lines := []string{"1024 pytest sanity/rpc.py"}
	specs, err := parseTests(lines)
	if err != nil {
		t.Fatalf("parseTests at boundary: %v", err)
	}
	if len(specs) != maxTestCount {
		t.Errorf("got %d specs, want %d", len(specs), maxTestCount)
	}

	_, err = parseTests([]string{"1025 pytest sanity/rpc.py"})
	if err == nil {
		t.Error("parseTests over the limit succeeded, want error")
	}
}

func TestParseTestsNoneSpecified(t *testing.T) {
	_, err := parseTests([]string{"# only comments", ""})
	if err == nil {
		t.Error("parseTests with no real tests succeeded, want error")
	}
}

func TestGroupByBuildPreservesInsertionOrder(t *testing.T) {
	specs := mustParseAll(t,
		"pytest sanity/a.py",
		"pytest --release sanity/b.py",
		"pytest sanity/c.py --features=foo",
		"pytest sanity/d.py",
	)
	groups := groupByBuild(specs, "master")
	if len(groups) != 3 {
		t.Fatalf("groupByBuild returned %d groups, want 3", len(groups))
	}
	// a.py and d.py share (release=false, features=""), so the group order
	// should be [default, release, features=foo], each appearing once.
	if groups[0].IsRelease || groups[0].Features != "" {
		t.Errorf("groups[0] = %+v, want the default (non-release, no features) group", groups[0])
	}
	if len(groups[0].Tests) != 2 {
		t.Errorf("groups[0] has %d tests, want 2 (a.py and d.py)", len(groups[0].Tests))
	}
	if !groups[1].IsRelease {
		t.Errorf("groups[1] = %+v, want the release group", groups[1])
	}
	if groups[2].Features != "foo" {
		t.Errorf("groups[2] = %+v, want features=foo", groups[2])
	}
}

func mustParseAll(t *testing.T, lines ...string) []*testspec.Spec {
	t.Helper()
	specs, err := parseTests(lines)
	if err != nil {
		t.Fatalf("parseTests(%v): %v", lines, err)
	}
	return specs
}

func TestSubmitRejectsMissingFields(t *testing.T) {
	a := &Admitter{}
	cases := []Request{
		{Branch: "", SHA: "abc", Requester: "alice", Tests: []string{"pytest sanity/a.py"}},
		{Branch: "master", SHA: "", Requester: "alice", Tests: []string{"pytest sanity/a.py"}},
		{Branch: "master", SHA: "abc", Requester: "", Tests: []string{"pytest sanity/a.py"}},
		{Branch: "master", SHA: "abc", Requester: "alice", Tests: nil},
	}
	for i, req := range cases {
		if _, err := a.Submit(context.Background(), req); err == nil {
			t.Errorf("case %d: Submit succeeded, want error", i)
		}
	}
}

type fakeScheduleStore struct {
	store.Store
	req   store.ScheduleRunRequest
	runID int64
}

func (f *fakeScheduleStore) ScheduleRun(ctx context.Context, req store.ScheduleRunRequest) (int64, error) {
	f.req = req
	return f.runID, nil
}

func TestSubmitWithPrecomputedCommit(t *testing.T) {
	fake := &fakeScheduleStore{runID: 77}
	a := &Admitter{Store: fake}

	sha := strings.Repeat("ab", 20)
	runID, err := a.Submit(context.Background(), Request{
		Branch:    "master",
		SHA:       sha,
		Requester: "alice",
		Tests:     []string{"pytest sanity/a.py"},
		Commit:    &commitresolver.Commit{SHA: sha, Title: "a title"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if runID != 77 {
		t.Errorf("Submit returned runID %d, want 77", runID)
	}
	if fake.req.Branch != "master" || fake.req.Title != "a title" || fake.req.Requester != "alice" {
		t.Errorf("ScheduleRun called with unexpected request: %+v", fake.req)
	}
	if len(fake.req.Groups) != 1 || len(fake.req.Groups[0].Tests) != 1 {
		t.Errorf("ScheduleRun groups = %+v, want one group with one test", fake.req.Groups)
	}
}

func TestSubmitInvalidSHA(t *testing.T) {
	a := &Admitter{Store: &fakeScheduleStore{}}
	_, err := a.Submit(context.Background(), Request{
		Branch:    "master",
		SHA:       "deadbeef",
		Requester: "alice",
		Tests:     []string{"pytest sanity/a.py"},
		Commit:    &commitresolver.Commit{SHA: "not-hex-and-wrong-length", Title: "t"},
	})
	if err == nil {
		t.Error("Submit with an invalid commit sha succeeded, want error")
	}
}
