// Package memory is the agent's long-term key/value memory, stored in sqlite
// and tagged by category.
//
// Invariants:
// - Keys are unique; Set on an existing key replaces value and category.
// - Search matches keys and values case-insensitively and ranks by the
//   number of matched query terms, then recency.
// - Writes record metrics and tracing spans.
//
// Usage:
//
//	store, _ := memory.NewStore(memory.Config{DBPath: "/data/memory.db"})
//	defer store.Close()
//	_ = store.Set(ctx, memory.Entry{Key: "user.name", Value: "Harun", Category: memory.CategoryCore})
//	results, _ := store.Search(ctx, "name", memory.SearchOptions{})
//	_ = results
package memory
