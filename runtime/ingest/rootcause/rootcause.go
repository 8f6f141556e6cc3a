// Package rootcause extracts human-readable failure reasons from wrapped
// error chains. Durable execution engines stack their own envelopes on top
// of the error that actually broke a run; job records and progress events
// want the innermost message, not the envelope.
package rootcause

import (
	"fmt"
	"strings"
)

// Wrapper prefixes added by runtime layers between the failing call and the
// job record. They carry no diagnostic value of their own.
var runtimePrefixes = []string{
	"ApplicationError: ",
	"activity error: ",
	"workflow execution error: ",
}

// Message walks err's Unwrap chain and returns the deepest non-empty
// message, with known runtime envelope prefixes stripped. A chain whose
// messages are all empty falls back to the innermost error's type name, so
// callers always get something to store.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var (
		deepest     = err
		deepestText string
	)
	for e := err; e != nil; e = unwrapOne(e) {
		deepest = e
		if text := clean(e.Error()); text != "" {
			deepestText = text
		}
	}
	if deepestText != "" {
		return deepestText
	}
	return fmt.Sprintf("%T", deepest)
}

// unwrapOne follows single-error wrapping. Multi-error joins stop the walk:
// their combined message already names every branch.
func unwrapOne(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

func clean(msg string) string {
	for changed := true; changed; {
		changed = false
		msg = strings.TrimSpace(msg)
		for _, prefix := range runtimePrefixes {
			if strings.HasPrefix(msg, prefix) {
				msg = msg[len(prefix):]
				changed = true
			}
		}
	}
	return strings.TrimSpace(msg)
}
