package room

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestManager_Shutdown_StopsTickLoop exercises the full start/stop cycle;
// goleak verifies in TestMain that the tick goroutine is gone afterwards.
func TestManager_Shutdown_StopsTickLoop(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Start(context.Background())

	if _, err := m.CreateRoom(context.Background(), Options{Name: "short-lived"}); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}
