package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/protortyp/melon/internal/logging"
)

func testLogger() *logging.Logger { return logging.New(logging.FATAL, false) }

func TestShutdownRunsFuncsInLIFOOrder(t *testing.T) {
	m := New(time.Second, testLogger())

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		m.Register(func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	m.Shutdown()

	want := []int{2, 1, 0}
	if len(order) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestShutdownContinuesAfterFuncError(t *testing.T) {
	m := New(time.Second, testLogger())

	secondRan := false
	m.Register(func(ctx context.Context) error { return errBoom })
	m.Register(func(ctx context.Context) error { secondRan = true; return nil })

	m.Shutdown()

	if !secondRan {
		t.Fatal("expected later-registered func to still run after an earlier one errored")
	}
}

type boomError struct{}

func (e *boomError) Error() string { return "boom" }

var errBoom = &boomError{}

func TestDoneNotClosedBeforeShutdownSignal(t *testing.T) {
	m := New(time.Second, testLogger())

	select {
	case <-m.Done():
		t.Fatal("Done should not be closed before a shutdown signal")
	default:
	}
}
