package jobqueue

import (
	"fmt"
	"strings"
)

// Matcher decides whether a job key belongs to a job type. Keys are passed
// relative to the queue prefix.
type Matcher interface {
	Match(key, jobType string) bool
}

// MatchFunc adapts a function to the Matcher interface.
type MatchFunc func(key, jobType string) bool

// Match calls f.
func (f MatchFunc) Match(key, jobType string) bool { return f(key, jobType) }

// ContainsMatcher matches when the type appears anywhere in the key,
// ignoring case. "geo" therefore also matches "Jobs/GEOLOCATE/x.json".
type ContainsMatcher struct{}

// Match implements Matcher.
func (ContainsMatcher) Match(key, jobType string) bool {
	if jobType == "" {
		return false
	}
	return strings.Contains(strings.ToLower(key), strings.ToLower(jobType))
}

// TokenMatcher splits the key on path and name separators and matches when
// one whole token equals the type, ignoring case.
type TokenMatcher struct{}

// Match implements Matcher.
func (TokenMatcher) Match(key, jobType string) bool {
	want := strings.ToLower(strings.TrimSpace(jobType))
	if want == "" {
		return false
	}
	for _, token := range tokenize(key) {
		if token == want {
			return true
		}
	}
	return false
}

func tokenize(key string) []string {
	return strings.FieldsFunc(strings.ToLower(key), func(r rune) bool {
		switch r {
		case '/', '_', '-', '.':
			return true
		}
		return false
	})
}

// MatcherByName returns the matcher configured by name. An empty name selects
// the token matcher.
func MatcherByName(name string) (Matcher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "token":
		return TokenMatcher{}, nil
	case "contains":
		return ContainsMatcher{}, nil
	default:
		return nil, fmt.Errorf("unknown job matcher %q", name)
	}
}
