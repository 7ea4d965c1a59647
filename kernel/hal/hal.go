// Package hal provides the minimal hardware-abstraction surface that the
// core depends on for diagnostics output. Concrete console/tty drivers
// (VGA text mode, serial, ...) are external collaborators specified only by
// the Terminal interface below; probing and initializing real hardware is
// out of scope for the core.
package hal

import (
	"io"

	"lily/kernel/kfmt"
)

// Terminal is implemented by the active console/tty device. The core only
// ever needs to write formatted diagnostics to it.
type Terminal interface {
	io.Writer
	io.ByteWriter

	// Clear clears the terminal.
	Clear()
}

// ActiveTerminal is the terminal currently receiving kernel output. It is
// nil until a concrete driver registers itself via SetActiveTerminal, in
// which case kfmt output is buffered in an internal ring buffer.
var ActiveTerminal Terminal

// SetActiveTerminal registers the terminal that kernel diagnostics are
// written to and flushes any output accumulated before a terminal was
// available.
func SetActiveTerminal(t Terminal) {
	ActiveTerminal = t
	kfmt.SetOutputSink(t)
}
