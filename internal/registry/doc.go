// Package registry holds the immutable town lookup tables: by identifier
// and by bridge connection key. Built once at startup, read concurrently
// by every component afterwards.
package registry
