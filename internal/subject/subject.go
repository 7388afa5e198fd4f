// Package subject implements hierarchical, dot-delimited subject names and
// NATS-style wildcard patterns.
//
// A pattern is a sequence of tokens separated by ".". The token "*" matches
// exactly one subject token and ">" matches one or more trailing tokens; ">"
// is only valid as the final token. Every other token matches literally.
// Matching is token-wise, so a wildcard never spans a dot boundary except
// through ">".
package subject

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	// Separator delimits subject tokens.
	Separator = "."

	// SingleWildcard matches exactly one token.
	SingleWildcard = "*"

	// TailWildcard matches one or more trailing tokens.
	TailWildcard = ">"

	// MaxTokens bounds the depth of a subject.
	MaxTokens = 16

	// MaxLength bounds the byte length of a subject.
	MaxLength = 256
)

// Validate reports whether s is a well-formed concrete subject: non-empty
// tokens, no whitespace, no wildcards.
func Validate(s string) error {
	if err := checkShape(s); err != nil {
		return err
	}
	for i, tok := range strings.Split(s, Separator) {
		if tok == SingleWildcard || tok == TailWildcard {
			return fmt.Errorf("subject %q: wildcard %q not allowed in token %d", s, tok, i+1)
		}
		if err := checkToken(s, tok, i); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePattern reports whether p is a well-formed wildcard pattern.
func ValidatePattern(p string) error {
	if err := checkShape(p); err != nil {
		return err
	}
	toks := strings.Split(p, Separator)
	for i, tok := range toks {
		switch tok {
		case SingleWildcard:
			continue
		case TailWildcard:
			if i != len(toks)-1 {
				return fmt.Errorf("pattern %q: %q must be the final token", p, TailWildcard)
			}
			continue
		}
		if err := checkToken(p, tok, i); err != nil {
			return err
		}
	}
	return nil
}

func checkShape(s string) error {
	if s == "" {
		return fmt.Errorf("subject is empty")
	}
	if len(s) > MaxLength {
		return fmt.Errorf("subject %q exceeds %d bytes", s, MaxLength)
	}
	if strings.HasPrefix(s, Separator) || strings.HasSuffix(s, Separator) {
		return fmt.Errorf("subject %q: leading or trailing %q", s, Separator)
	}
	if n := strings.Count(s, Separator) + 1; n > MaxTokens {
		return fmt.Errorf("subject %q has %d tokens, max %d", s, n, MaxTokens)
	}
	return nil
}

func checkToken(s, tok string, i int) error {
	if tok == "" {
		return fmt.Errorf("subject %q: token %d is empty", s, i+1)
	}
	for _, r := range tok {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("subject %q: token %d contains whitespace", s, i+1)
		}
		if r == '*' || r == '>' {
			return fmt.Errorf("subject %q: token %d mixes wildcard and text", s, i+1)
		}
	}
	return nil
}

// Tokens splits a subject into its tokens.
func Tokens(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, Separator)
}

// Join builds a subject from tokens, skipping empty ones.
func Join(tokens ...string) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, Separator)
}

// Match reports whether subject matches pattern. Invalid patterns and
// malformed subjects never match.
func Match(s, pattern string) bool {
	p, err := Compile(pattern)
	if err != nil {
		return false
	}
	return p.Match(s)
}

// Pattern is a compiled wildcard pattern.
type Pattern struct {
	raw    string
	tokens []string
	tail   bool // final token is ">"
}

// Compile validates and tokenizes a pattern for repeated matching.
func Compile(pattern string) (*Pattern, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	toks := strings.Split(pattern, Separator)
	p := &Pattern{raw: pattern}
	if toks[len(toks)-1] == TailWildcard {
		p.tail = true
		toks = toks[:len(toks)-1]
	}
	p.tokens = toks
	return p, nil
}

// MustCompile is like Compile but panics on an invalid pattern.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source pattern.
func (p *Pattern) String() string { return p.raw }

// Literal reports whether the pattern contains no wildcards.
func (p *Pattern) Literal() bool {
	if p.tail {
		return false
	}
	for _, t := range p.tokens {
		if t == SingleWildcard {
			return false
		}
	}
	return true
}

// Prefix returns the literal tokens before the first wildcard, joined with
// dots. Stores use it to narrow index scans.
func (p *Pattern) Prefix() string {
	var lit []string
	for _, t := range p.tokens {
		if t == SingleWildcard {
			break
		}
		lit = append(lit, t)
	}
	return strings.Join(lit, Separator)
}

// Match reports whether s matches the compiled pattern.
func (p *Pattern) Match(s string) bool {
	_, ok := p.Captures(s)
	return ok
}

// Captures matches s and returns the values bound to each wildcard in
// order: one token per "*", and the dot-joined tail for ">".
func (p *Pattern) Captures(s string) ([]string, bool) {
	if s == "" {
		return nil, false
	}
	toks := strings.Split(s, Separator)
	if p.tail {
		// ">" needs at least one token after the fixed part.
		if len(toks) <= len(p.tokens) {
			return nil, false
		}
	} else if len(toks) != len(p.tokens) {
		return nil, false
	}

	var caps []string
	for i, pt := range p.tokens {
		tok := toks[i]
		if tok == "" {
			return nil, false
		}
		switch pt {
		case SingleWildcard:
			caps = append(caps, tok)
		default:
			if pt != tok {
				return nil, false
			}
		}
	}
	if p.tail {
		rest := toks[len(p.tokens):]
		for _, tok := range rest {
			if tok == "" {
				return nil, false
			}
		}
		caps = append(caps, strings.Join(rest, Separator))
	}
	return caps, true
}

// Regexp returns an anchored regular expression equivalent to the pattern,
// for stores that filter with a regex operator. The syntax is the common
// subset of Go RE2 and PostgreSQL ARE.
func (p *Pattern) Regexp() string {
	var b strings.Builder
	b.WriteString("^")
	for i, t := range p.tokens {
		if i > 0 {
			b.WriteString(`\.`)
		}
		if t == SingleWildcard {
			b.WriteString(`[^.]+`)
			continue
		}
		b.WriteString(regexp.QuoteMeta(t))
	}
	if p.tail {
		if len(p.tokens) > 0 {
			b.WriteString(`\.`)
		}
		b.WriteString(`.+`)
	}
	b.WriteString("$")
	return b.String()
}
