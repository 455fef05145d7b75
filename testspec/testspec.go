// Package testspec parses and normalizes the free-form test-line grammar of
// the run-admission protocol: count-prefixed category/flags/args/features.
package testspec

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const defaultTimeoutSeconds = 180

var validFeatureRe = regexp.MustCompile(`^[a-zA-Z0-9_][-a-zA-Z0-9_]*$`)

var timeSuffixes = map[byte]int{'h': 3600, 'm': 60, 's': 1}

// alwaysOnFeatures are removed from a parsed feature set: the build always
// carries them, so requesting them explicitly would force a spurious
// distinct build.
var alwaysOnFeatures = map[string]bool{
	"adversarial":    true,
	"test_features":  true,
	"rosetta_rpc":    true,
}

// Spec is a fully parsed and normalized test specification.
type Spec struct {
	Category  string
	Timeout   int // seconds, excludes the --remote provision
	IsRelease bool
	IsRemote  bool
	SkipBuild bool
	Args      []string
	Features  string // sorted, comma-joined, deduplicated
}

// ParseError carries the test line that failed to parse (Name) alongside
// the underlying cause, whose message names the offending token.
type ParseError struct {
	Name string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s in test %q", e.Err, e.Name)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse parses a single test line (no count prefix) into a Spec.
func Parse(name string) (*Spec, error) {
	words := strings.Fields(name)

	cat, err := extractCategory(words)
	if err != nil {
		return nil, &ParseError{Name: name, Err: err}
	}
	words = words[cat.consumed:]

	features, rest, err := extractFeatures(words)
	if err != nil {
		return nil, &ParseError{Name: name, Err: err}
	}

	if err := checkArgs(cat.category, rest); err != nil {
		return nil, &ParseError{Name: name, Err: err}
	}

	return &Spec{
		Category:  cat.category,
		Timeout:   cat.timeout,
		IsRelease: cat.isRelease,
		IsRemote:  cat.isRemote,
		SkipBuild: cat.skipBuild,
		Args:      rest,
		Features:  features,
	}, nil
}

// ParseWithCount parses a test line with an optional leading integer count,
// e.g. "3 expensive nearcore test_tps test::highload". Missing prefix means
// count 1.
func ParseWithCount(name string) (int, *Spec, error) {
	count := 1
	rest := name
	if m := countPrefixRe.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, nil, &ParseError{Name: name, Err: err}
		}
		count = n
		rest = m[2]
	}
	spec, err := Parse(rest)
	if err != nil {
		return 0, nil, err
	}
	return count, spec, nil
}

var countPrefixRe = regexp.MustCompile(`^\s*(\d+)\s+(.+)$`)

type categorySpec struct {
	category  string
	timeout   int
	isRelease bool
	isRemote  bool
	skipBuild bool
	consumed  int
}

func parseTimeout(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid timeout argument %q", s)
	}
	mul, hasSuffix := timeSuffixes[s[len(s)-1]]
	digits := s
	if hasSuffix {
		digits = s[:len(s)-1]
	} else {
		mul = 1
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout argument %q", s)
	}
	return n * mul, nil
}

func formatTimeout(timeout int) string {
	if timeout%3600 == 0 {
		return fmt.Sprintf("%dh", timeout/3600)
	}
	if timeout%60 == 0 {
		return fmt.Sprintf("%dm", timeout/60)
	}
	return strconv.Itoa(timeout)
}

func extractCategory(words []string) (categorySpec, error) {
	cat := categorySpec{timeout: defaultTimeoutSeconds}
	category := ""
	index := 0
	found := false
	for index = 0; index < len(words); index++ {
		word := words[index]
		switch {
		case index == 0:
			category = word
		case word == "--release":
			cat.isRelease = true
		case word == "--remote":
			cat.isRemote = true
		case word == "--skip-build":
			cat.skipBuild = true
		case strings.HasPrefix(word, "--timeout="):
			timeout, err := parseTimeout(word[len("--timeout="):])
			if err != nil {
				return categorySpec{}, err
			}
			cat.timeout = timeout
		case strings.HasPrefix(word, "--"):
			return categorySpec{}, fmt.Errorf("invalid argument %q", word)
		default:
			found = true
		}
		if found {
			break
		}
	}
	if !found {
		return categorySpec{}, fmt.Errorf("missing test argument")
	}
	if category == "" {
		return categorySpec{}, fmt.Errorf("empty specification")
	}
	switch category {
	case "pytest", "mocknet", "expensive":
	default:
		return categorySpec{}, fmt.Errorf("invalid category %q", category)
	}
	cat.category = category
	cat.consumed = index
	if category == "mocknet" {
		cat.skipBuild = true
	}
	return cat, nil
}

func extractFeatures(words []string) (string, []string, error) {
	start := -1
	wantFeatures := false
	features := map[string]bool{}

	for index, word := range words {
		switch {
		case wantFeatures:
			for _, f := range strings.Split(word, ",") {
				features[f] = true
			}
			wantFeatures = false
		case strings.HasPrefix(word, "--features="):
			if start < 0 {
				start = index
			}
			for _, f := range strings.Split(word[len("--features="):], ",") {
				features[f] = true
			}
		case word == "--features":
			if start < 0 {
				start = index
			}
			wantFeatures = true
		}
	}

	if start < 0 {
		return "", words, nil
	}
	if wantFeatures {
		return "", nil, fmt.Errorf("missing features after --feature argument")
	}

	for f := range alwaysOnFeatures {
		delete(features, f)
	}

	sorted := make([]string, 0, len(features))
	for f := range features {
		if !validFeatureRe.MatchString(f) {
			return "", nil, fmt.Errorf("invalid feature %q", f)
		}
		sorted = append(sorted, f)
	}
	sort.Strings(sorted)

	return strings.Join(sorted, ","), words[:start], nil
}

var (
	expensiveArgRe = regexp.MustCompile(`^[-_a-zA-Z0-9]+$`)
	pyArgRe        = regexp.MustCompile(`^[-_a-zA-Z0-9/]+\.py$`)
)

func checkArgs(category string, args []string) error {
	var pattern *regexp.Regexp
	var name string
	if category == "expensive" {
		if len(args) != 3 {
			return fmt.Errorf("expensive test category requires three arguments: <package> <test-executable> <test-name>")
		}
		pattern = expensiveArgRe
		name = args[1]
	} else {
		pattern = pyArgRe
		if len(args) == 0 {
			return fmt.Errorf("invalid test name \"\"")
		}
		name = args[0]
	}
	if !pattern.MatchString(name) {
		return fmt.Errorf("invalid test name %q", name)
	}
	return nil
}

// ShortName returns the normalized short name: no --timeout or --skip-build.
func (s *Spec) ShortName() string { return s.name(false) }

// FullName returns the normalized full name, including --timeout and
// --skip-build.
func (s *Spec) FullName() string { return s.name(true) }

func (s *Spec) name(full bool) string {
	var parts []string
	parts = append(parts, s.Category)
	if full {
		if s.SkipBuild {
			parts = append(parts, "--skip-build")
		}
		parts = append(parts, "--timeout="+formatTimeout(s.Timeout))
	}
	if s.IsRelease {
		parts = append(parts, "--release")
	}
	if s.IsRemote {
		parts = append(parts, "--remote")
	}
	parts = append(parts, s.Args...)
	if s.Features != "" {
		parts = append(parts, "--features "+s.Features)
	}
	return strings.Join(parts, " ")
}

func (s *Spec) String() string { return s.FullName() }

// FullTimeout is the timeout including the provision added for remote tests.
func (s *Spec) FullTimeout() int {
	if s.IsRemote {
		return s.Timeout + 15*60
	}
	return s.Timeout
}

// BuildDir is the build profile directory the test's binaries live under.
func (s *Spec) BuildDir() string {
	if s.IsRelease {
		return "release"
	}
	return "debug"
}
