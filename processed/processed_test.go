package processed_test

import (
	"testing"

	"github.com/webwebb56/mdqc-agent/processed"
)

func TestAddAndContains(t *testing.T) {
	s := processed.New()
	if s.Contains("/a/b.raw") {
		t.Fatal("expected empty set to not contain path")
	}
	s.Add("/a/b.raw")
	if !s.Contains("/a/b.raw") {
		t.Fatal("expected set to contain added path")
	}
	if s.Len() != 1 {
		t.Fatalf("got len %d, want 1", s.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := processed.New()
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func(n int) {
			s.Add(string(rune('a' + n%26)))
			s.Contains(string(rune('a' + n%26)))
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}
