// Package recovery persists the state needed to resume a realtime
// connection from another process.
//
// A State holds the connection id, connection key and the last
// connection serial seen. It is encoded as deterministic CBOR and kept in
// a Store: FileStore for a local file, S3Store for an S3 object, or
// MemoryStore in tests.
package recovery
