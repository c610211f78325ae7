package resilience

import (
	"errors"
	"sync"
	"testing"
)

func TestBulkheadRejectsWhenSaturated(t *testing.T) {
	b := NewBulkhead("test-pool", 1)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Run(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Run(func() error { return nil })
	if !errors.Is(err, ErrBulkheadRejected) {
		t.Fatalf("expected ErrBulkheadRejected, got %v", err)
	}
	close(release)
	wg.Wait()
}

func TestBulkheadAllowsAfterRelease(t *testing.T) {
	b := NewBulkhead("test-pool", 1)
	if err := b.Run(func() error { return nil }); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := b.Run(func() error { return nil }); err != nil {
		t.Fatalf("expected success on second call after release, got %v", err)
	}
}

func TestNilBulkheadRunsDirectly(t *testing.T) {
	var b *Bulkhead
	called := false
	if err := b.Run(func() error { called = true; return nil }); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}
