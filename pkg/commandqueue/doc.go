// Package commandqueue serializes work per lane. The agent uses one lane per
// session so turns for the same conversation never interleave.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, one at a time by default.
// - Tasks in different lanes may execute concurrently.
// - A caller whose context ends while its task is still queued gets the
//   context error and the task never runs.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, commandqueue.SessionLane(id), func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
