// Package store persists the certificate-lifecycle entities in MongoDB
// behind one typed method set per entity. The closed entity set replaces
// string-keyed collection dispatch so every kind is handled at compile time.
//
// All ids are random UUIDs. Writes are single-document; the only
// compare-and-swap requirement in the system (agent config versions) is
// enforced at the application layer by the fleet protocol before calling
// ReplaceAgent.
//
// The package also provides the append-only audit ledger with
// consecutive-duplicate suppression per subject.
package store
