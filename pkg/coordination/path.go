package coordination

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

// SequenceWidth is the number of digits in a sequential node suffix.
const SequenceWidth = 10

// Join builds a child path under parent.
func Join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return strings.TrimSuffix(parent, "/") + "/" + name
}

// Base returns the last element of a node path.
func Base(p string) string {
	return path.Base(p)
}

// Parent returns the parent path of p, "/" for top-level nodes.
func Parent(p string) string {
	return path.Dir(p)
}

// ValidatePath rejects paths the backends cannot address.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("invalid path %q: must be absolute", p)
	}
	if p != "/" && strings.HasSuffix(p, "/") {
		return fmt.Errorf("invalid path %q: trailing slash", p)
	}
	if strings.Contains(p, "//") {
		return fmt.Errorf("invalid path %q: empty element", p)
	}
	return nil
}

// FormatSequence renders a sequence number the way every backend suffixes
// sequential nodes.
func FormatSequence(seq int64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, seq)
}

// ParseSequence extracts the trailing decimal suffix of a sequential node name.
func ParseSequence(name string) (int64, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, false
	}
	seq, err := strconv.ParseInt(name[i:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// SortBySequence orders sequential node names by their parsed numeric suffix, so
// the order stays correct once counters outgrow SequenceWidth. Names without a
// suffix sort after sequenced ones, by string.
func SortBySequence(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		si, oki := ParseSequence(names[i])
		sj, okj := ParseSequence(names[j])
		switch {
		case oki && okj:
			if si != sj {
				return si < sj
			}
			return names[i] < names[j]
		case oki:
			return true
		case okj:
			return false
		default:
			return names[i] < names[j]
		}
	})
}
