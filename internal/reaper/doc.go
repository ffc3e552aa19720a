// Package reaper evicts expired idempotency records.
//
// A Reaper runs the store's sweep on a fixed interval with an explicit
// Start/Stop lifecycle. Failures are logged, counted in Stats and retried
// with exponential backoff capped at the interval; they never stop the loop.
// Sweeps are idempotent, so overlapping reapers in several processes are
// harmless.
//
// For deployments that schedule maintenance through Temporal, SweepWorkflow
// and Activities.SweepExpired run the same sweep as a scheduled workflow.
package reaper
