// Package dedupe provides the bounded recently-seen-id set used to drop
// repeated channel-point redeem identifiers within a configurable window.
package dedupe
