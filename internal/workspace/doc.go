// Package workspace lays out the per-run directories a build writes into.
//
// Every run gets its own timestamped subdirectory under the artifacts root
// (diff and test reports) and under the log root (command output), e.g.
// .buildrunner/artifacts/20251214-122336-1a2b3c4d. Old run directories can be
// pruned, keeping the most recent ones.
package workspace
