// Package wire implements the framed encoding spoken on the bridge and
// multi-account links: a 4-byte big-endian length prefix followed by one
// CBOR-encoded envelope. The envelope carries a protocol version so the
// collaborator services can evolve independently; unknown versions are
// rejected at the frame boundary, unknown kinds are skipped by receivers.
package wire
