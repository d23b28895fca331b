package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StreamID is the opaque "<ms>-<seq>" identifier assigned by the log.
type StreamID string

// Prefixes of ids synthesized when the log could not assign one.
const (
	FallbackPrefix = "fallback-"
	ErrorPrefix    = "error-"
)

// MakeID formats a log id from its parts.
func MakeID(ms, seq uint64) StreamID {
	return StreamID(strconv.FormatUint(ms, 10) + "-" + strconv.FormatUint(seq, 10))
}

// FallbackID is used when the log was unavailable at publish time.
func FallbackID(at time.Time) StreamID {
	return StreamID(fmt.Sprintf("%s%d", FallbackPrefix, at.UnixMilli()))
}

// ErrorID is used when the append itself failed.
func ErrorID(at time.Time) StreamID {
	return StreamID(fmt.Sprintf("%s%d", ErrorPrefix, at.UnixMilli()))
}

// Parse splits a log id into milliseconds and sequence. Fallback and error
// ids, and anything else not shaped like "<ms>-<seq>", report ok=false.
func (id StreamID) Parse() (ms, seq uint64, ok bool) {
	left, right, found := strings.Cut(string(id), "-")
	if !found {
		return 0, 0, false
	}
	ms, err := strconv.ParseUint(left, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(right, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}

// IsLogID reports whether the id was assigned by the durable log.
func (id StreamID) IsLogID() bool {
	_, _, ok := id.Parse()
	return ok
}

// IsFallback reports whether the id was synthesized in degraded mode.
func (id StreamID) IsFallback() bool {
	s := string(id)
	return strings.HasPrefix(s, FallbackPrefix) || strings.HasPrefix(s, ErrorPrefix)
}

func (id StreamID) String() string { return string(id) }

// Compare orders two log ids by (ms, seq). Ids that are not log ids sort
// before every log id and compare lexically among themselves.
func Compare(a, b StreamID) int {
	ams, aseq, aok := a.Parse()
	bms, bseq, bok := b.Parse()
	switch {
	case !aok && !bok:
		return strings.Compare(string(a), string(b))
	case !aok:
		return -1
	case !bok:
		return 1
	}
	switch {
	case ams < bms:
		return -1
	case ams > bms:
		return 1
	case aseq < bseq:
		return -1
	case aseq > bseq:
		return 1
	}
	return 0
}

// Next returns the id a log assigns after last when the clock reads nowMs:
// a new millisecond starts at sequence 0, otherwise the sequence increments
// on the last millisecond seen.
func Next(lastMs, lastSeq, nowMs uint64, empty bool) (ms, seq uint64) {
	if empty || nowMs > lastMs {
		return nowMs, 0
	}
	return lastMs, lastSeq + 1
}
