/*
Package storage provides BoltDB-backed state persistence for container
records.

Each CLI invocation (create, start, kill, delete) is a separate OS process,
so the container lifecycle state machine must be durable between them. The
storage package implements the Store interface using BoltDB (bbolt),
serializing each container record as JSON under its ID in a single
"containers" bucket.

Transaction model: reads go through db.View (concurrent snapshot reads),
writes through db.Update (serialized, fsynced commits), so a crash never
leaves a torn record. Create refuses an existing ID with AlreadyExists and
lookups of unknown IDs return NotFound, matching the error taxonomy used
throughout contain.
*/
package storage
