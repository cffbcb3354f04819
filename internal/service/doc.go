// Package service is the RPC responder that runs in the helper process.
//
// It reads one JSON request per line, dispatches it through a fixed
// operation table and writes one JSON value per line. Faults go to the
// diagnostic stream as wire.Fault envelopes. All target access goes
// through an engine.Engine; the service never touches target memory or
// execution itself.
//
// The service understands the CPython 2 object layout (interpreter and
// thread states, frames, code objects, str/unicode/int/long/float,
// tuple/list/dict, old-style instances and heap type instances).
package service
