// Package town defines the domain model shared by the supervision engine:
// per-town configuration, game-state snapshots and diffs, and the event and
// action unions that flow between producers, correlators, and executors.
package town
