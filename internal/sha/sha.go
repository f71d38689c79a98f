// Package sha holds the validated commit identifier used across the feed.
package sha

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Length is the number of hex digits in a commit identifier.
const Length = 40

var ErrInvalidIdentifier = errors.New("invalid commit identifier")

// SHA is a 40 hex digit commit identifier. The zero value means "no commit".
type SHA string

// Parse validates value and returns it in lower case.
func Parse(value string) (SHA, error) {
	if len(value) != Length {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, value)
	}
	for i := 0; i < len(value); i++ {
		if !isHex(value[i]) {
			return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, value)
		}
	}
	return SHA(strings.ToLower(value)), nil
}

// MustParse is Parse for constants and tests.
func MustParse(value string) SHA {
	id, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return id
}

func (s SHA) String() string {
	return string(s)
}

func (s SHA) IsZero() bool {
	return s == ""
}

// Short returns the 7 character abbreviation git prints.
func (s SHA) Short() string {
	if len(s) < 7 {
		return string(s)
	}
	return string(s[:7])
}

// UnmarshalText makes every JSON or text decode of a SHA go through Parse.
func (s *SHA) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// Set is an unordered collection of unique identifiers.
type Set map[SHA]struct{}

func NewSet(ids ...SHA) Set {
	set := make(Set, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s Set) Has(id SHA) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Len() int {
	return len(s)
}

func (s Set) Clone() Set {
	clone := make(Set, len(s))
	for id := range s {
		clone[id] = struct{}{}
	}
	return clone
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []SHA {
	items := make([]SHA, 0, len(s))
	for id := range s {
		items = append(items, id)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// Equal reports whether both sets hold the same members.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var items []SHA
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewSet(items...)
	return nil
}
