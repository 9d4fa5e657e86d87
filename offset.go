package main

import (
	"fmt"
	"strconv"
)

// offsetKind enumerates the supported start-position selectors. The set is
// closed: every consumer of an offsetSpec switches over exactly these three.
type offsetKind int

const (
	offsetEarliest offsetKind = iota
	offsetLatest
	offsetExplicit
)

// offsetSpec describes where consumption of a partition should begin. value
// is only meaningful for offsetExplicit; a negative value selects a position
// relative to the newest offset.
type offsetSpec struct {
	kind  offsetKind
	value int64
}

func earliestSpec() offsetSpec { return offsetSpec{kind: offsetEarliest} }

func latestSpec() offsetSpec { return offsetSpec{kind: offsetLatest} }

func explicitSpec(n int64) offsetSpec { return offsetSpec{kind: offsetExplicit, value: n} }

// resolve maps the spec to a concrete start offset given the partition's
// current bounds. oldest is the first retained offset, newest the next offset
// to be written. A negative explicit value means "the last |n| messages" and
// is clamped to oldest when the partition holds fewer than that.
func (s offsetSpec) resolve(oldest, newest int64) int64 {
	switch s.kind {
	case offsetLatest:
		return newest
	case offsetExplicit:
		if s.value < 0 {
			start := newest + s.value
			if start < oldest {
				return oldest
			}
			return start
		}
		return s.value
	default:
		return oldest
	}
}

func (s offsetSpec) String() string {
	switch s.kind {
	case offsetEarliest:
		return "earliest"
	case offsetLatest:
		return "latest"
	default:
		return strconv.FormatInt(s.value, 10)
	}
}

// selectOffsetSpec folds the offset selection flags into a single spec. At
// most one selector may be given; none at all means earliest.
func selectOffsetSpec(explicit *int64, earliest, latest bool) (offsetSpec, error) {
	given := 0
	if explicit != nil {
		given++
	}
	if earliest {
		given++
	}
	if latest {
		given++
	}
	if given > 1 {
		return offsetSpec{}, fmt.Errorf("at most one of -offset, -earliest and -latest may be given")
	}

	switch {
	case explicit != nil:
		return explicitSpec(*explicit), nil
	case latest:
		return latestSpec(), nil
	default:
		return earliestSpec(), nil
	}
}
