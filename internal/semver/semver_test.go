package semver

import (
	"testing"

	mmsemver "github.com/Masterminds/semver/v3"
)

func mustParse(t *testing.T, s string) Spec {
	t.Helper()
	spec, err := ParseSpec(s)
	if err != nil {
		t.Fatalf("ParseSpec(%q): %v", s, err)
	}
	return spec
}

func TestParseSpecBareName(t *testing.T) {
	spec := mustParse(t, "foo")
	if spec.Name != "foo" || len(spec.Constraints) != 0 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	v, _ := Parse("9.9.9")
	if !spec.Matches(v) {
		t.Fatal("unconstrained spec must match any version")
	}
}

func TestParseSpecSingleConstraint(t *testing.T) {
	spec := mustParse(t, "foo>=1.2.0")
	ok, _ := Parse("1.2.0")
	low, _ := Parse("1.1.0")
	if !spec.Matches(ok) {
		t.Fatal("1.2.0 should satisfy >=1.2.0")
	}
	if spec.Matches(low) {
		t.Fatal("1.1.0 should not satisfy >=1.2.0")
	}
}

func TestParseSpecMultiConstraint(t *testing.T) {
	spec := mustParse(t, "foo>=1.2.0,<2.0.0")
	if len(spec.Constraints) != 2 {
		t.Fatalf("expected 2 constraints, got %d", len(spec.Constraints))
	}
	inRange, _ := Parse("1.5.0")
	tooHigh, _ := Parse("2.0.0")
	if !spec.Matches(inRange) {
		t.Fatal("1.5.0 should satisfy range")
	}
	if spec.Matches(tooHigh) {
		t.Fatal("2.0.0 should not satisfy <2.0.0")
	}
}

func TestCompatibleRangeOperator(t *testing.T) {
	spec := mustParse(t, "foo~=1.4.0")
	same, _ := Parse("1.4.9")
	higherPatch, _ := Parse("1.4.0")
	differentMinor, _ := Parse("1.5.0")

	if !spec.Matches(same) {
		t.Fatal("1.4.9 should satisfy ~=1.4.0")
	}
	if !spec.Matches(higherPatch) {
		t.Fatal("1.4.0 should satisfy ~=1.4.0")
	}
	if spec.Matches(differentMinor) {
		t.Fatal("1.5.0 must not satisfy ~=1.4.0 (different minor line)")
	}
}

func TestFindBest(t *testing.T) {
	spec := mustParse(t, "foo>=1.0.0")
	raw := []string{"0.9.0", "1.0.0", "1.5.0", "1.2.0"}
	var vs []*mmsemver.Version
	for _, s := range raw {
		v, err := Parse(s)
		if err != nil {
			t.Fatal(err)
		}
		vs = append(vs, v)
	}
	best := FindBest(spec, vs)
	if best.String() != "1.5.0" {
		t.Fatalf("FindBest = %s, want 1.5.0", best.String())
	}
}

func TestInvalidSpecs(t *testing.T) {
	cases := []string{"", ">=1.0.0", "foo>=not-a-version", "foo%1.0.0"}
	for _, c := range cases {
		if _, err := ParseSpec(c); err == nil {
			t.Fatalf("ParseSpec(%q) expected error", c)
		}
	}
}
