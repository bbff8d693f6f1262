package engine

import (
	"fmt"
	"time"

	"github.com/franksops/hdfsconn/errdefs"
)

// ClosePolicy decides when the writer closes the current file. At most one
// of TimeLimit, TupleLimit and ByteLimit may be set. With none set the
// writer closes on window punctuation.
type ClosePolicy struct {
	TimeLimit  time.Duration
	TupleLimit uint64
	ByteLimit  uint64
	// CloseOnPunctuation additionally closes on window punctuation when a
	// limit is set.
	CloseOnPunctuation bool
}

// Validate checks the policy without side effects.
func (p ClosePolicy) Validate() error {
	set := 0
	if p.TimeLimit != 0 {
		set++
	}
	if p.TupleLimit != 0 {
		set++
	}
	if p.ByteLimit != 0 {
		set++
	}
	if set > 1 {
		return errdefs.Config("close_policy", "only one of time, tuple and byte limits may be set")
	}
	if p.TimeLimit < 0 || (p.TimeLimit != 0 && p.TimeLimit <= time.Second) {
		return errdefs.Config("close_policy.time_limit", "must be greater than 1s, got %s", p.TimeLimit)
	}
	return nil
}

func (p ClosePolicy) hasLimit() bool {
	return p.TimeLimit > 0 || p.TupleLimit > 0 || p.ByteLimit > 0
}

// closesOnWindow reports whether a window punctuation closes the file.
func (p ClosePolicy) closesOnWindow() bool {
	return p.CloseOnPunctuation || !p.hasLimit()
}

// reached reports whether s has hit a size or age limit.
func (p ClosePolicy) reached(s *session, now time.Time) bool {
	switch {
	case p.TupleLimit > 0:
		return s.records >= p.TupleLimit
	case p.ByteLimit > 0:
		return s.bytes >= p.ByteLimit
	case p.TimeLimit > 0:
		return now.Sub(s.openedAt) >= p.TimeLimit
	}
	return false
}

func (p ClosePolicy) String() string {
	switch {
	case p.TupleLimit > 0:
		return fmt.Sprintf("tuples=%d", p.TupleLimit)
	case p.ByteLimit > 0:
		return fmt.Sprintf("bytes=%d", p.ByteLimit)
	case p.TimeLimit > 0:
		return fmt.Sprintf("time=%s", p.TimeLimit)
	}
	return "punctuation"
}
