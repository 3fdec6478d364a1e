package scheduler

// Package scheduler provides scheduled maintenance jobs for the training
// backend. It handles:
// - Releasing stale session claims left behind by crashed executors
// - Pruning old metric samples
// - Compacting the session transition audit log
//
// The main scheduler is implemented in jobs.go
