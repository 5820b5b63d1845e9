package apperrors

import (
	"errors"
	"testing"
)

func TestAsPassesThroughResult(t *testing.T) {
	want := Failf(StatusConflict, "clientId %q already connected", "c1")
	var err error = want
	got := As(err)
	if got != want {
		t.Fatalf("As() = %#v, want the same *Result", got)
	}
	if got.Status != StatusConflict {
		t.Fatalf("Status = %d, want %d", got.Status, StatusConflict)
	}
}

func TestAsOpaqueForUnknownError(t *testing.T) {
	got := As(errors.New("boom"))
	if got.Status != StatusInternal {
		t.Fatalf("Status = %d, want %d", got.Status, StatusInternal)
	}
	if got.Data != nil {
		t.Fatalf("Data = %v, want nil (no leaking internal detail)", got.Data)
	}
}

func TestAsNilIsOk(t *testing.T) {
	got := As(nil)
	if got.Status != StatusOK {
		t.Fatalf("Status = %d, want %d", got.Status, StatusOK)
	}
}
