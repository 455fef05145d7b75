package testspec

import "testing"

func TestParseBasic(t *testing.T) {
	cases := []struct {
		name      string
		line      string
		category  string
		isRelease bool
		isRemote  bool
		skipBuild bool
		timeout   int
		features  string
		args      []string
	}{
		{
			name:     "pytest",
			line:     "pytest sanity/rpc.py",
			category: "pytest",
			timeout:  defaultTimeoutSeconds,
			args:     []string{"sanity/rpc.py"},
		},
		{
			name:      "mocknet implies skip_build",
			line:      "mocknet mocknet/sanity.py",
			category:  "mocknet",
			timeout:   defaultTimeoutSeconds,
			skipBuild: true,
			args:      []string{"mocknet/sanity.py"},
		},
		{
			name:     "expensive with three args",
			line:     "expensive nearcore test_tps test::highload",
			category: "expensive",
			timeout:  defaultTimeoutSeconds,
			args:     []string{"nearcore", "test_tps", "test::highload"},
		},
		{
			name:      "flags and features",
			line:      "pytest --release --remote --timeout=2h sanity/rpc.py --features=a,b",
			category:  "pytest",
			isRelease: true,
			isRemote:  true,
			timeout:   2 * 3600,
			features:  "a,b",
			args:      []string{"sanity/rpc.py"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			spec, err := Parse(c.line)
			if err != nil {
				t.Fatalf("Parse(%q): unexpected error: %v", c.line, err)
			}
			if spec.Category != c.category {
				t.Errorf("Category = %q, want %q", spec.Category, c.category)
			}
			if spec.IsRelease != c.isRelease {
				t.Errorf("IsRelease = %v, want %v", spec.IsRelease, c.isRelease)
			}
			if spec.IsRemote != c.isRemote {
				t.Errorf("IsRemote = %v, want %v", spec.IsRemote, c.isRemote)
			}
			if spec.SkipBuild != c.skipBuild {
				t.Errorf("SkipBuild = %v, want %v", spec.SkipBuild, c.skipBuild)
			}
			if spec.Timeout != c.timeout {
				t.Errorf("Timeout = %d, want %d", spec.Timeout, c.timeout)
			}
			if spec.Features != c.features {
				t.Errorf("Features = %q, want %q", spec.Features, c.features)
			}
			if len(spec.Args) != len(c.args) {
				t.Fatalf("Args = %v, want %v", spec.Args, c.args)
			}
			for i := range c.args {
				if spec.Args[i] != c.args[i] {
					t.Errorf("Args[%d] = %q, want %q", i, spec.Args[i], c.args[i])
				}
			}
		})
	}
}

func TestFeaturesDropAlwaysOn(t *testing.T) {
	spec, err := Parse("pytest sanity/rpc.py --features=adversarial,rosetta_rpc,extra")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Features != "extra" {
		t.Errorf("Features = %q, want %q", spec.Features, "extra")
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"bogus sanity/rpc.py",
		"pytest",
		"pytest not-a-python-file",
		"expensive nearcore test_tps",
		"expensive nearcore test_tps bad/name test::highload",
		"pytest --bogus sanity/rpc.py",
		"pytest --features sanity/rpc.py",
	}
	for _, line := range cases {
		if _, err := Parse(line); err == nil {
			t.Errorf("Parse(%q): expected an error, got none", line)
		}
	}
}

func TestParseWithCount(t *testing.T) {
	count, spec, err := ParseWithCount("3 expensive nearcore test_tps test::highload")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if spec.Category != "expensive" {
		t.Errorf("Category = %q, want expensive", spec.Category)
	}

	count, _, err = ParseWithCount("pytest sanity/rpc.py")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("count without prefix = %d, want 1", count)
	}
}

func TestTimeoutSuffixes(t *testing.T) {
	cases := map[string]int{
		"2h":    7200,
		"120m":  7200,
		"7200":  7200,
		"7200s": 7200,
	}
	for suffix, want := range cases {
		got, err := parseTimeout(suffix)
		if err != nil {
			t.Fatalf("parseTimeout(%q): unexpected error: %v", suffix, err)
		}
		if got != want {
			t.Errorf("parseTimeout(%q) = %d, want %d", suffix, got, want)
		}
	}
}

func TestShortNameFullNameRoundTrip(t *testing.T) {
	spec, err := Parse("pytest --release --timeout=2h sanity/rpc.py --features=a,b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	full := spec.FullName()
	reparsed, err := Parse(full)
	if err != nil {
		t.Fatalf("reparsing FullName() %q: %v", full, err)
	}
	if reparsed.Timeout != spec.Timeout || reparsed.Features != spec.Features ||
		reparsed.IsRelease != spec.IsRelease || reparsed.SkipBuild != spec.SkipBuild {
		t.Errorf("FullName() round-trip lost information: got %+v, want %+v", reparsed, spec)
	}

	short := spec.ShortName()
	reparsedShort, err := Parse(short)
	if err != nil {
		t.Fatalf("reparsing ShortName() %q: %v", short, err)
	}
	if reparsedShort.Timeout != defaultTimeoutSeconds {
		t.Errorf("ShortName() unexpectedly carried a non-default timeout: %d", reparsedShort.Timeout)
	}
}

func TestFullTimeoutAddsRemoteProvision(t *testing.T) {
	spec, err := Parse("pytest --remote --timeout=1h sanity/rpc.py")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := spec.FullTimeout(), 3600+900; got != want {
		t.Errorf("FullTimeout() = %d, want %d", got, want)
	}
}

func TestBuildDir(t *testing.T) {
	release, _ := Parse("pytest --release sanity/rpc.py")
	if release.BuildDir() != "release" {
		t.Errorf("BuildDir() for release = %q, want release", release.BuildDir())
	}
	debug, _ := Parse("pytest sanity/rpc.py")
	if debug.BuildDir() != "debug" {
		t.Errorf("BuildDir() for debug = %q, want debug", debug.BuildDir())
	}
}
