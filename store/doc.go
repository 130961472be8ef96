// Package store defines the Session Store contract consumed by the view router and ships
// three backends for it: an in-memory fake, Redis, and PostgreSQL.
//
// # Execution contexts
//
// A [Backend] is one shared key space. Each call to [Backend.Context] returns a [Store]
// handle with its own origin, the way every browser tab gets its own window onto the same
// local storage. Writes made through a handle are announced to subscribers of every other
// handle, never to the writer's own subscribers.
//
// # Architecture boundaries
//
// This package owns key/value persistence and change fan-out. It does NOT interpret session
// flags, user records, or views; those belong to the viewgate and accounts packages.
//
// # What this package must NOT do
//
//   - Import viewgate, accounts, or httpapi (no upward imports).
//   - Report an absent key as an error. Absence is ok == false.
//   - Deliver a change notification to the context that made the write.
package store
