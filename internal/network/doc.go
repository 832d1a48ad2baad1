// Package network is the engine's view of the origin: a Request/Response pair
// that carries method, absolute URL, headers and a fully buffered body, and a
// Fetcher that performs the round trip. Transport failures are reported as
// *Error so callers can tell "the origin answered with a status" apart from
// "the origin could not be reached".
package network
