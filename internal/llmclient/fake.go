package llmclient

import (
	"context"
	"sync"
	"time"
)

// Reply is one scripted answer of a FakeClient. A non-zero Delay holds the
// answer back, giving up early when the context ends.
type Reply struct {
	Text  string
	Err   error
	Delay time.Duration
}

// FakeClient replays scripted replies for offline runs and tests. Once the
// script is exhausted the last reply repeats.
type FakeClient struct {
	mu      sync.Mutex
	replies []Reply
	prompts []string
	temps   []float64
}

func NewFakeClient(replies ...Reply) *FakeClient {
	return &FakeClient{replies: replies}
}

// NewStaticClient always answers text.
func NewStaticClient(text string) *FakeClient {
	return NewFakeClient(Reply{Text: text})
}

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

func (f *FakeClient) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.temps = append(f.temps, temperature)
	n := len(f.prompts)
	var r Reply
	switch {
	case len(f.replies) == 0:
		r = Reply{Err: ErrEmptyResponse}
	case n <= len(f.replies):
		r = f.replies[n-1]
	default:
		r = f.replies[len(f.replies)-1]
	}
	f.mu.Unlock()

	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", classify(ctx, "fake", err)
	}
	return r.Text, r.Err
}

// Calls reports how many Generate calls were made.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// Prompts returns a copy of every prompt received.
func (f *FakeClient) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// Temperatures returns the temperature passed on each call.
func (f *FakeClient) Temperatures() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.temps...)
}
