package events

import (
	"context"
	"fmt"
	"testing"
)

func TestMemoryPublisherBuffers(t *testing.T) {
	p := NewMemoryPublisher(8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := p.Publish(ctx, New("acct-1", TypeFactorAdded, map[string]any{"i": i})); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got := p.Events()
	if len(got) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(got))
	}
	for _, ev := range got {
		if ev.ID == "" || ev.Account != "acct-1" || ev.Type != TypeFactorAdded {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestMemoryPublisherDropsOldest(t *testing.T) {
	p := NewMemoryPublisher(2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := New("acct-1", TypeRecoveryApproved, map[string]any{"seq": fmt.Sprint(i)})
		if err := p.Publish(ctx, ev); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got := p.Events()
	if len(got) != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", len(got))
	}
	if got[0].Detail["seq"] != "3" || got[1].Detail["seq"] != "4" {
		t.Fatalf("oldest events should be discarded first: %+v", got)
	}
}

func TestMemoryPublisherClosed(t *testing.T) {
	p := NewMemoryPublisher(8)
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Publish(context.Background(), New("acct-1", TypeMFAChanged, nil)); err == nil {
		t.Fatalf("publish after close must fail")
	}
}
