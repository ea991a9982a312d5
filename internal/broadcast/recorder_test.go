package broadcast

import (
	"context"
	"fmt"
	"testing"
)

func TestRecorderKeepsMostRecent(t *testing.T) {
	inner := NewRecorder(10, nil)
	r := NewRecorder(3, inner)
	for i := 0; i < 5; i++ {
		r.Broadcast(context.Background(), TenantChannel("t1"), fmt.Sprintf("e%d", i), nil)
	}

	got := r.Events()
	if len(got) != 3 {
		t.Fatalf("len(Events()) = %d, want 3", len(got))
	}
	if got[0].Event != "e2" || got[2].Event != "e4" {
		t.Errorf("events = %v, want e2..e4", got)
	}
	if len(inner.Events()) != 5 {
		t.Errorf("forwarded %d events, want 5", len(inner.Events()))
	}
	if len(r.Find("tenant-t1", "e3")) != 1 {
		t.Error("Find should locate e3 on tenant-t1")
	}
}

func TestChannelNames(t *testing.T) {
	if TenantChannel("a") != "tenant-a" || UserChannel("b") != "user-b" || SessionChannel("c") != "session-c" {
		t.Fatal("unexpected channel naming")
	}
}
