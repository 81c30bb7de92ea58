// Package session persists conversations keyed by (channel, chat).
//
// Invariants:
// - One session exists per (channel, chat) pair; its ID never changes.
// - Session files are replaced atomically (temp file + rename).
// - Writes for the same session are serialized.
// - Callers always receive copies; mutating a returned Session does not
//   affect the store until Save.
//
// Usage:
//
//	store, _ := session.New(session.Config{Dir: "/tmp/kestrel/sessions"})
//	sess, _ := store.GetOrCreate(ctx, "cli", "default")
//	sess.Append(stream.Message{Role: stream.RoleUser, Content: "hello"})
//	_ = store.Save(ctx, sess)
package session
