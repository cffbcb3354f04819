// Package transport supervises the helper process that hosts the service
// and carries requests to it.
//
// A Session owns one helper. Requests are written as single JSON lines on
// the helper's stdin. The reply is the next line on its stdout; a line on
// its stderr is a fault. Both pipes are polled together so a fault is seen
// as soon as it is written, even when stdout stays silent.
//
// Only one request is in flight per Session.
package transport
