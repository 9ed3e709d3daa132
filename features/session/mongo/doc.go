// Package mongo provides a MongoDB-backed implementation of the session and
// file stores. Build the low-level client via
// features/session/mongo/clients/mongo and pass it to NewStore so services can
// persist sessions and generated files outside the process.
package mongo
