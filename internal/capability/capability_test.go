package capability

import "testing"

func TestSatisfiesEmptyDemands(t *testing.T) {
	caps := Capabilities{Tags: []string{}, ExecutorType: "agent-cli"}

	if !Satisfies(caps, nil) {
		t.Error("nil demands should match any runner")
	}
	if !Satisfies(caps, &Demands{}) {
		t.Error("empty demands should match any runner")
	}
}

func TestSatisfiesTagSubset(t *testing.T) {
	caps := Capabilities{Tags: []string{"gpu", "linux", "docker"}}

	cases := []struct {
		name    string
		demands *Demands
		want    bool
	}{
		{"single matching tag", &Demands{Tags: []string{"gpu"}}, true},
		{"all tags present", &Demands{Tags: []string{"gpu", "linux"}}, true},
		{"missing tag", &Demands{Tags: []string{"gpu", "windows"}}, false},
		{"no overlap", &Demands{Tags: []string{"nonexistent"}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Satisfies(caps, tc.demands); got != tc.want {
				t.Errorf("Satisfies(%v) = %v, want %v", tc.demands.Tags, got, tc.want)
			}
		})
	}
}

func TestSatisfiesExecutorType(t *testing.T) {
	caps := Capabilities{Tags: []string{"gpu"}, ExecutorType: "agent-cli"}

	if !Satisfies(caps, &Demands{ExecutorType: "agent-cli"}) {
		t.Error("matching executor type should satisfy")
	}
	if Satisfies(caps, &Demands{ExecutorType: "codex"}) {
		t.Error("mismatched executor type should not satisfy")
	}
	if Satisfies(caps, &Demands{Tags: []string{"gpu"}, ExecutorType: "codex"}) {
		t.Error("tag match must not override executor mismatch")
	}
}

func TestSatisfiesRunnerWithNoTags(t *testing.T) {
	caps := Capabilities{Tags: nil}

	if Satisfies(caps, &Demands{Tags: []string{"special"}}) {
		t.Error("runner with no tags cannot satisfy tag demands")
	}
	if !Satisfies(caps, &Demands{}) {
		t.Error("runner with no tags still matches empty demands")
	}
}
