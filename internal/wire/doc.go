// Package wire implements the line-oriented JSON protocol spoken between the
// pyringe controller and its helper process.
//
// # Requests
//
// Every request is exactly one newline-terminated JSON object:
//
//	{"func": "BacktraceAt", "args": [[1234, 140234, -1]]}
//
// Only positional arguments are representable. A request for the function
// named [KillFunc] terminates the helper, which answers with [KillAck].
// Function names starting with [PrivatePrefix] are rejected by the helper.
//
// # Responses
//
// Responses are bare JSON values on the helper's stdout, one per line, with
// no envelope. Opaque runtime instances travel as flat objects carrying both
// [TypeNameKey] and [AddressKey]; [Decode] turns those into [*ProxyObject].
//
// # Faults
//
// Failures are reported out of band on the helper's stderr as a [Fault]
// envelope. Older helpers (and crashes that happen before fault reporting is
// installed) produce a bare JSON string or raw text instead; [ParseFault]
// accepts the first two forms.
package wire
