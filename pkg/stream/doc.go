// Package stream defines the vocabulary shared by every LLM backend and every
// consumer of a model response: messages, tool calls, and streamed chunks.
//
// Invariants:
// - A chunk sequence carries at most one terminal chunk (done or error).
// - Argument fragments for a tool call index precede its end chunk.
// - Accumulated tool calls are finalized atomically on their end chunk.
//
// Usage:
//
//	acc := stream.NewAccumulator()
//	for chunk := range backend.Chat(ctx, req) {
//		acc.Add(chunk)
//	}
//	msg := acc.Message()
package stream
