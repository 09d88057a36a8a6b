// Package memory holds in-process implementations of the persistence ports.
// The API server uses them when STORE_DRIVER=memory; the client uses the
// notification store and debouncer for its local hub.
package memory
