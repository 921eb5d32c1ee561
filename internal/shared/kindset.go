package shared

import "strings"

// KindSet is an immutable set of error kinds. The zero value is empty.
// Being a plain value it is safe to share between goroutines.
type KindSet uint32

// NewKindSet returns a set containing kinds.
func NewKindSet(kinds ...Kind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s |= 1 << uint(k)
	}
	return s
}

// ParseKindSet parses a comma separated list of kind names, e.g. "NETWORK,SERVER".
func ParseKindSet(list string) (KindSet, error) {
	var s KindSet
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := ParseKind(part)
		if err != nil {
			return 0, err
		}
		s = s.With(k)
	}
	return s, nil
}

// Has reports whether k is in the set.
func (s KindSet) Has(k Kind) bool {
	if k < 0 || k > 31 {
		return false
	}
	return s&(1<<uint(k)) != 0
}

// With returns a copy of s that also contains kinds.
func (s KindSet) With(kinds ...Kind) KindSet {
	return s | NewKindSet(kinds...)
}

// Without returns a copy of s with kinds removed.
func (s KindSet) Without(kinds ...Kind) KindSet {
	return s &^ NewKindSet(kinds...)
}

// Kinds lists the members in declaration order.
func (s KindSet) Kinds() []Kind {
	var out []Kind
	for k := KindUnknown; k <= KindCanceled; k++ {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s KindSet) String() string {
	kinds := s.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ",")
}
