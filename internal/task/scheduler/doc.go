// Package scheduler triggers recurring maintenance work (force-complete and
// resume sweeps) from cron or interval specs. It only computes trigger times;
// every run is enqueued into the task engine.
package scheduler
