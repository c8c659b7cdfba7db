package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/talkio/wablast/internal/protocol"
)

type scriptedStrategy struct {
	name   string
	result Result
	calls  int
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Fetch(context.Context, protocol.Client, *protocol.MediaRef) Result {
	s.calls++
	return s.result
}

func TestFetchFallsThroughToNextStrategy(t *testing.T) {
	first := &scriptedStrategy{name: "first", result: Result{Outcome: OutcomeRetryable, Err: errors.New("boom")}}
	second := &scriptedStrategy{name: "second", result: Result{Outcome: OutcomeSuccess, Data: []byte("payload")}}
	third := &scriptedStrategy{name: "third", result: Result{Outcome: OutcomeSuccess, Data: []byte("wrong")}}

	f := NewMediaFetcherWith(first, second, third)
	data, err := f.Fetch(context.Background(), nil, &protocol.MediaRef{URL: "x"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("data = %q, want second strategy's payload", data)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", first.calls, second.calls)
	}
	if third.calls != 0 {
		t.Fatal("third strategy must not run after a success")
	}
}

func TestFetchExhaustion(t *testing.T) {
	first := &scriptedStrategy{name: "first", result: Result{Outcome: OutcomeRetryable, Err: errors.New("a")}}
	second := &scriptedStrategy{name: "second", result: Result{Outcome: OutcomeRetryable, Err: errors.New("b")}}

	f := NewMediaFetcherWith(first, second)
	if _, err := f.Fetch(context.Background(), nil, &protocol.MediaRef{}); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", first.calls, second.calls)
	}
}

func TestFetchTerminalAbortsChain(t *testing.T) {
	first := &scriptedStrategy{name: "first", result: Result{Outcome: OutcomeTerminal, Err: errors.New("no source")}}
	second := &scriptedStrategy{name: "second", result: Result{Outcome: OutcomeSuccess, Data: []byte("x")}}

	f := NewMediaFetcherWith(first, second)
	if _, err := f.Fetch(context.Background(), nil, &protocol.MediaRef{}); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if second.calls != 0 {
		t.Fatal("terminal outcome must stop the chain")
	}
}

func TestFetchNilRef(t *testing.T) {
	f := NewMediaFetcherWith()
	if _, err := f.Fetch(context.Background(), nil, nil); err == nil {
		t.Fatal("nil ref must error")
	}
}
