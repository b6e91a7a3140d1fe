package boxrelay

import (
	"fmt"
	"strings"
)

const (
	defaultErrorDepth = 5
	truncatedMarker   = "\n..."
)

// FormatError renders err and up to depth-1 levels of wrapped causes, one per line.
// Joined errors contribute every branch at the same level.
func FormatError(err error, depth int) string {
	if err == nil {
		return ""
	}
	if depth <= 0 {
		depth = 1
	}

	var b strings.Builder
	b.WriteString(err.Error())

	level := []error{err}
	for i := 1; i < depth; i++ {
		next := unwrapLevel(level)
		if len(next) == 0 {
			return b.String()
		}
		for _, cause := range next {
			fmt.Fprintf(&b, "\ncaused by %T: %s", cause, cause.Error())
		}
		level = next
	}
	if len(unwrapLevel(level)) > 0 {
		b.WriteString(truncatedMarker)
	}

	return b.String()
}

func unwrapLevel(errs []error) []error {
	var out []error
	for _, err := range errs {
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				if e != nil {
					out = append(out, e)
				}
			}
		case interface{ Unwrap() error }:
			if e := u.Unwrap(); e != nil {
				out = append(out, e)
			}
		}
	}

	return out
}
