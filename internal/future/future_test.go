package future

import (
	"errors"
	"testing"
	"time"

	"rzbackup/internal/zbackup"
)

func TestNewInnerIsImmediatelyReady(t *testing.T) {
	chunk := zbackup.NewChunk(zbackup.ChunkID{}, []byte("data"))
	inner := NewInner(ChunkResult{Chunk: chunk})

	select {
	case result := <-inner:
		if result.Chunk != chunk {
			t.Errorf("got chunk %v, want %v", result.Chunk, chunk)
		}
		if result.Err != nil {
			t.Errorf("got err %v, want nil", result.Err)
		}
	default:
		t.Fatal("NewInner should be immediately readable")
	}
}

func TestPendingInnerBlocksUntilResolved(t *testing.T) {
	inner, resolve := PendingInner()

	select {
	case <-inner:
		t.Fatal("pending inner future resolved before being sent a value")
	case <-time.After(10 * time.Millisecond):
	}

	want := ChunkResult{Err: errors.New("boom")}
	resolve <- want

	got := <-inner
	if got.Err == nil || got.Err.Error() != "boom" {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReadyOuterDeliversReservationImmediately(t *testing.T) {
	inner := NewInner(ChunkResult{})
	outer := ReadyOuter(inner)

	select {
	case reservation := <-outer:
		result := <-reservation.Inner()
		if result.Err != nil {
			t.Errorf("got err %v, want nil", result.Err)
		}
	default:
		t.Fatal("ReadyOuter should be immediately readable")
	}
}

func TestPendingOuterBlocksUntilResolved(t *testing.T) {
	outer, resolve := PendingOuter()

	select {
	case <-outer:
		t.Fatal("pending outer future resolved before being sent a reservation")
	case <-time.After(10 * time.Millisecond):
	}

	inner := NewInner(ChunkResult{})
	resolve <- NewReservation(inner)

	reservation := <-outer
	if reservation.Inner() != inner {
		t.Error("expected the delivered reservation to wrap the same inner future")
	}
}

func TestNewReservationWrapsInner(t *testing.T) {
	inner, _ := PendingInner()
	reservation := NewReservation(inner)
	if reservation.Inner() != inner {
		t.Error("NewReservation should return a Reservation wrapping the given inner future")
	}
}
