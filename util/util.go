package util

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/mit-pdos/go-fsjournal/logging"
)

var debug atomic.Uint64

func init() {
	debug.Store(1)
}

// SetDebug sets the trace level; DPrintf calls at or below it are logged.
func SetDebug(level uint64) {
	debug.Store(level)
}

func Debug() uint64 {
	return debug.Load()
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= debug.Load() {
		logging.Debug().Uint64("trace", level).Msgf(strings.TrimSuffix(format, "\n"), a...)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

// returns n+m>=2^64 (if it were computed at infinite precision)
func SumOverflows(n uint64, m uint64) bool {
	return n+m < n
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}

// SortedUniq returns the distinct values of xs in increasing order.
func SortedUniq(xs []uint64) []uint64 {
	if len(xs) == 0 {
		return nil
	}
	s := make([]uint64, len(xs))
	copy(s, xs)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	out := s[:1]
	for _, x := range s[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}
