package subject

import (
	"reflect"
	"regexp"
	"testing"
)

func TestMatch(t *testing.T) {
	for _, tc := range []struct {
		subject string
		pattern string
		want    bool
	}{
		{"hub.local.project.created", "hub.*.project.created", true},
		{"hub.local.task.created", "hub.*.project.created", false},
		{"hub.local.project.created", "hub.>", true},
		{"hub.a.b.c", "hub.*.>", true},
		{"other.x", "hub.>", false},

		{"hub.local.project.created", "hub.local.project.created", true},
		{"hub.local.project", "hub.local.project.created", false},
		{"hub", "hub.>", false},
		{"hub.a", "hub.*.>", false},
		{"hub.test.example", "hub.test.*", true},
		{"hub.other.example", "hub.test.*", false},
		{"hub.test.a.b", "hub.test.*", false},

		// Wildcards never cross a dot boundary.
		{"hub.ab.c", "hub.a*.c", false},
		{"hub.a.b", "hub.*", false},
		{"hubx.a", "hub.>", false},

		// Malformed subjects never match.
		{"hub..a", "hub.*.a", false},
		{"", "hub.>", false},
		{"hub.a.", "hub.>", false},
	} {
		if got := Match(tc.subject, tc.pattern); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.subject, tc.pattern, got, tc.want)
		}
	}
}

// Bare wildcards follow the token grammar: "*" is exactly one token and ">"
// is one or more tokens.
func TestMatch_BareWildcards(t *testing.T) {
	for _, tc := range []struct {
		subject string
		pattern string
		want    bool
	}{
		{"hub", "*", true},
		{"hub.a", "*", false},
		{"hub.a.b.c", "*", false},
		{"hub", ">", true},
		{"hub.a", ">", true},
		{"hub.a.b.c", ">", true},
		{"", ">", false},
		{"", "*", false},
	} {
		if got := Match(tc.subject, tc.pattern); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.subject, tc.pattern, got, tc.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		wantErr bool
	}{
		{"hub.>", false},
		{"hub.*.project.*", false},
		{"*", false},
		{">", false},
		{"", true},
		{"hub.>.x", true},
		{"hub..x", true},
		{".hub", true},
		{"hub.", true},
		{"hub.a*", true},
		{"hub.a b", true},
	} {
		err := ValidatePattern(tc.pattern)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidatePattern(%q) error = %v, wantErr %v", tc.pattern, err, tc.wantErr)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		subject string
		wantErr bool
	}{
		{"hub.local.project.created", false},
		{"hub", false},
		{"hub.*.x", true},
		{"hub.>", true},
		{"hub..x", true},
		{"hub.x.", true},
		{"hub.\tx", true},
		{"a.b.c.d.e.f.g.h.i.j.k.l.m.n.o.p.q", true},
	} {
		err := Validate(tc.subject)
		if (err != nil) != tc.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tc.subject, err, tc.wantErr)
		}
	}
}

func TestMatch_InvalidPatternNeverMatches(t *testing.T) {
	if Match("hub.x.y", "hub.>.y") {
		t.Error("expected invalid pattern to never match")
	}
}

func TestPattern_Captures(t *testing.T) {
	p := MustCompile("ext.*.orders.>")
	caps, ok := p.Captures("ext.eu.orders.created.v2")
	if !ok {
		t.Fatal("expected match")
	}
	want := []string{"eu", "created.v2"}
	if !reflect.DeepEqual(caps, want) {
		t.Errorf("Captures = %v, want %v", caps, want)
	}

	if _, ok := p.Captures("ext.eu.orders"); ok {
		t.Error("expected no match without tail tokens")
	}
}

func TestPattern_PrefixAndLiteral(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		prefix  string
		literal bool
	}{
		{"hub.local.project.created", "hub.local.project.created", true},
		{"hub.*.project", "hub", false},
		{"hub.local.>", "hub.local", false},
		{"*", "", false},
		{">", "", false},
	} {
		p := MustCompile(tc.pattern)
		if got := p.Prefix(); got != tc.prefix {
			t.Errorf("%q Prefix() = %q, want %q", tc.pattern, got, tc.prefix)
		}
		if got := p.Literal(); got != tc.literal {
			t.Errorf("%q Literal() = %v, want %v", tc.pattern, got, tc.literal)
		}
	}
}

func TestJoin(t *testing.T) {
	if got := Join("hub", "", "presence", "demo"); got != "hub.presence.demo" {
		t.Errorf("Join = %q", got)
	}
}

// The regex form must agree with token matching.
func TestPattern_Regexp(t *testing.T) {
	subjects := []string{
		"hub", "hub.local", "hub.local.project.created", "hub.local.task.created",
		"hub.a.b.c", "other.x", "hubx.local", "hub.lo.cal", "a-b.c_d",
	}
	for _, pat := range []string{"hub.*.project.created", "hub.>", "hub.*.>", "*", ">", "hub.local", "a-b.*"} {
		p := MustCompile(pat)
		re := regexp.MustCompile(p.Regexp())
		for _, s := range subjects {
			if got, want := re.MatchString(s), p.Match(s); got != want {
				t.Errorf("pattern %q regexp %q on %q = %v, Match = %v", pat, p.Regexp(), s, got, want)
			}
		}
	}
}
