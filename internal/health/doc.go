// Package health tracks per-town process health as a small state machine
// driven by poll outcomes and supervisor progress.
package health
