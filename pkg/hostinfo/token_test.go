package hostinfo

import (
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	v := &Verifier{Secret: "s3cret", Machine: "m-1"}
	tok, err := CreateToken("s3cret", "desk", "m-1", time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	claims, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Operator != "desk" {
		t.Fatalf("operator = %q", claims.Operator)
	}
}

func TestTokenRejections(t *testing.T) {
	v := &Verifier{Secret: "s3cret", Machine: "m-1"}

	other, _ := CreateToken("s3cret", "desk", "m-2", time.Hour)
	if _, err := v.Validate(other); !errors.Is(err, ErrMachineMismatch) {
		t.Fatalf("expected machine mismatch, got %v", err)
	}

	wrong, _ := CreateToken("nope", "desk", "", time.Hour)
	if _, err := v.Validate(wrong); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected invalid token, got %v", err)
	}

	expired, _ := CreateToken("s3cret", "desk", "", -time.Minute)
	if _, err := v.Validate(expired); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token rejection, got %v", err)
	}

	unbound, _ := CreateToken("s3cret", "desk", "", time.Hour)
	if _, err := v.Validate(unbound); err != nil {
		t.Fatalf("unbound token should validate: %v", err)
	}
}

func TestDescribeCarriesMachineID(t *testing.T) {
	info := Describe("v1")
	if info.MachineID == "" || info.MachineID != MachineID() {
		t.Fatalf("machine id = %q, want a stable non-empty id", info.MachineID)
	}
	if info.Version != "v1" || info.PID == 0 {
		t.Fatalf("info = %+v", info)
	}

	v := NewVerifier("s3cret", info)
	tok, _ := CreateToken("s3cret", "desk", info.MachineID, time.Hour)
	if _, err := v.Validate(tok); err != nil {
		t.Fatalf("token bound to this instance should validate: %v", err)
	}
	other := NewVerifier("s3cret", Info{MachineID: "elsewhere"})
	if _, err := other.Validate(tok); !errors.Is(err, ErrMachineMismatch) {
		t.Fatalf("expected machine mismatch, got %v", err)
	}
}
