// Package inferior is the controller side of pyringe.
//
// A Controller holds the current inspection Position (process, thread,
// frame depth) and turns user level operations into requests against a
// helper session. Sessions are started lazily and restarted transparently
// when the helper dies; the Position survives, except that thread and
// frame selection fall back to their defaults after a restart.
//
// Frame depths count from the outermost frame. A depth of -1 means the
// innermost frame and is resolved against the live stack every time it is
// used, so navigation never relies on a cached stack.
package inferior
