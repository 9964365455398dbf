// Package room keeps per-room in-memory state: a capped ring buffer of
// recent messages and the single-job generation lock with its FIFO trigger
// queue.
package room
