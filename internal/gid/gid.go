// Package gid extracts the identifier of the calling goroutine for
// diagnostic purposes only. Nothing in this module's correctness depends
// on it: it exists so ParkingLot.ForEach has something stable and
// printable to hand to its callback, the way the thread identity service
// in the original design does for its own diagnostics.
//
// Go has no public, stable API for a goroutine's numeric id, so this
// parses it out of a runtime.Stack dump, the same portable technique
// used as a fallback by goroutine-id extractors elsewhere: every stack
// trace starts with "goroutine NNN [state]:".
package gid

import (
	"runtime"
	"strconv"
)

// ID is a goroutine identifier, stable for the lifetime of the goroutine
// and meaningful only for equality, ordering in diagnostic output, and
// printing.
type ID int64

// Current returns the identifier of the calling goroutine. It is
// deliberately not cheap (it triggers a small runtime.Stack capture) and
// must never be called from a hot path; this module only calls it once
// per ParkingLot.Park invocation, which is already on the slow path of
// whichever lock called it.
func Current() ID {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	const prefix = "goroutine "
	if len(b) < len(prefix) {
		return 0
	}
	b = b[len(prefix):]

	end := 0
	for end < len(b) && b[end] != ' ' {
		end++
	}

	id, err := strconv.ParseInt(string(b[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return ID(id)
}

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }
