package authz

import "testing"

func held(codes ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		m[c] = struct{}{}
	}
	return m
}

func TestRequirementSatisfied(t *testing.T) {
	cases := []struct {
		name string
		req  Requirement
		held map[string]struct{}
		want bool
	}{
		{"empty requirement, empty held", Authenticated(), nil, true},
		{"empty requirement, some held", Authenticated(), held("a"), true},
		{"all with every code held", AllOf("a", "b"), held("a", "b"), true},
		{"all with one missing", AllOf("a", "b"), held("a"), false},
		{"all with none held", AllOf("a", "b"), nil, false},
		{"any with one held", AnyOf("a", "b"), held("a"), true},
		{"any with other held", AnyOf("a", "b"), held("b"), true},
		{"any with none held", AnyOf("a", "b"), held("c"), false},
		{"case-insensitive match", AllOf("Report.View"), held("report.view"), true},
		{"no substring semantics", AllOf("report"), held("report.view"), false},
		{"no hierarchy semantics", AllOf("report.view"), held("report"), false},
		{"blank codes ignored", AllOf("", "  ", "a"), held("a"), true},
		{"only blank codes means empty", AllOf("", "  "), nil, true},
		{"whitespace trimmed", AnyOf(" report.view "), held("report.view"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.req.Satisfied(tc.held); got != tc.want {
				t.Fatalf("Satisfied(%v, %v) = %v, want %v", tc.req, tc.held, got, tc.want)
			}
		})
	}
}

func TestRequirementDoesNotMutate(t *testing.T) {
	req := AllOf("A", "b")
	set := held("a", "b")
	_ = req.Satisfied(set)
	if req.Codes[0] != "A" {
		t.Fatalf("evaluation mutated the requirement: %v", req.Codes)
	}
	if len(set) != 2 {
		t.Fatalf("evaluation mutated the held set: %v", set)
	}
}

func TestModeString(t *testing.T) {
	if RequireAll.String() != "all" || RequireAny.String() != "any" {
		t.Fatalf("unexpected mode strings: %s %s", RequireAll, RequireAny)
	}
}
