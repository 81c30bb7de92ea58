// Package agent runs the model/tool loop for inbound messages.
//
// Invariants:
// - Turns are serialized per session through commandqueue lanes.
// - Every tool call appended to a session is followed by exactly one tool
//   result before the next model request.
// - A turn makes at most MaxTurns model requests.
// - Stream errors end the turn; they are reported in TurnResult, not returned.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Router:   router,
//		Tools:    tools,
//		Sessions: sessions,
//		Queue:    queue,
//		Logger:   logger,
//	})
//	result, _ := runner.Run(ctx, agent.Request{
//		Channel: "cli",
//		ChatID:  "local",
//		Text:    "What's 2+2?",
//	})
//	fmt.Println(result.Response)
package agent
