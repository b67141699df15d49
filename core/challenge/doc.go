// Package challenge publishes DNS-01 TXT records and confirms their
// propagation before a certificate order proceeds.
//
// Two interchangeable authority strategies exist: an embedded authoritative
// responder that serves records straight from the shared store, and a
// delegated adapter driving the Netcup DNS management API. Both tolerate
// repeated publish/retract calls.
//
// The verifier queries the domain's authoritative nameservers directly so
// that caching resolvers never mask a missing record.
package challenge
