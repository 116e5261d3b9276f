// Package auth mints and verifies the HS256 tokens presented on the
// multi-account link. The warden mints; the remote service verifies.
// The verifier is kept here for tests and the town-sim fake service.
package auth
