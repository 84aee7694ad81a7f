package chat

import "strings"

// Flags is the per-user bitset stored on delivery rows.
type Flags int64

const (
	FlagRead Flags = 1 << iota
	FlagStarred
	FlagCollapsed
	FlagMentioned
	FlagWildcardMentioned
	FlagHistorical
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagRead, "read"},
	{FlagStarred, "starred"},
	{FlagCollapsed, "collapsed"},
	{FlagMentioned, "mentioned"},
	{FlagWildcardMentioned, "wildcard_mentioned"},
	{FlagHistorical, "historical"},
}

// Has reports whether every bit of x is set.
func (f Flags) Has(x Flags) bool { return f&x == x }

// Names lists the set flags in bit order.
func (f Flags) Names() []string {
	out := make([]string, 0, 2)
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			out = append(out, fn.name)
		}
	}
	return out
}

// ParseFlag maps a wire name to its flag bit.
func ParseFlag(name string) (Flags, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, fn := range flagNames {
		if fn.name == name {
			return fn.flag, nil
		}
	}
	return 0, ErrInvalidFlag.Withf("%q", name)
}

// UserMutableFlag reports whether clients may toggle the flag directly.
func UserMutableFlag(f Flags) bool {
	return f == FlagRead || f == FlagStarred || f == FlagCollapsed
}
