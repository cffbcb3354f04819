// Package gdbmi drives gdb through its machine interface (MI2) and
// implements engine.Engine on top of it.
//
// Commands are serialized: one command is in flight at a time, tagged
// with an increasing token. Console stream output seen between sending a
// command and its result record belongs to that command. gdb runs with
// mi-async enabled so -exec-continue returns at once and the matching
// *stopped record is delivered separately.
package gdbmi
