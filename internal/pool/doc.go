// Package pool manages the bounded set of browser sessions that execute
// extraction tasks. Sessions are opened in parallel at startup, leased to
// worker loops in FIFO order, replaced when they crash, and drained on
// shutdown.
package pool
