package util

import (
	"strings"
	"sync"
)

// UCase upper-cases s keeping its string type.
func UCase[T ~string](s T) T { return T(strings.ToUpper(string(s))) }

// LCase lower-cases s keeping its string type.
func LCase[T ~string](s T) T { return T(strings.ToLower(string(s))) }

// EqFold reports whether s1 and s2 are equal under Unicode case folding.
func EqFold[T1, T2 ~string](s1 T1, s2 T2) bool { return strings.EqualFold(string(s1), string(s2)) }

var builders = sync.Pool{New: func() any { return new(strings.Builder) }}

// WithBuilder runs fn with a pooled builder and returns the built string.
func WithBuilder(fn func(sb *strings.Builder)) string {
	sb := builders.Get().(*strings.Builder) //nolint:forcetypeassert
	defer func() {
		sb.Reset()
		builders.Put(sb)
	}()
	fn(sb)
	return sb.String()
}
