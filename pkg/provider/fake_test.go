package provider

import (
	"context"
	"sync"

	"github.com/harun/kestrel/pkg/stream"
)

// fakeBackend replays a scripted chunk sequence per call.
type fakeBackend struct {
	name        string
	unavailable bool
	block       bool
	script      func(call int) []stream.Chunk

	mu       sync.Mutex
	calls    int
	requests []stream.Request
}

func newFake(name string, script func(call int) []stream.Chunk) *fakeBackend {
	return &fakeBackend{name: name, script: script}
}

func replying(text string) func(int) []stream.Chunk {
	return func(int) []stream.Chunk {
		return []stream.Chunk{stream.Text(text), stream.Done(&stream.Usage{InputTokens: 1, OutputTokens: 1})}
	}
}

func failing(msg string) func(int) []stream.Chunk {
	return func(int) []stream.Chunk {
		return []stream.Chunk{stream.Errorf("%s", msg)}
	}
}

func (f *fakeBackend) Name() string      { return f.name }
func (f *fakeBackend) IsAvailable() bool { return !f.unavailable }

func (f *fakeBackend) Chat(ctx context.Context, req stream.Request) <-chan stream.Chunk {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.block {
		ch := make(chan stream.Chunk)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch
	}
	return stream.FromSlice(f.script(n)...)
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
