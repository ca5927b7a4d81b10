package ledger_test

import (
	"testing"

	"civimend/internal/ledger"
)

func TestFingerprintDeterministic(t *testing.T) {
	rec := ledger.GrievanceRecord{GrievanceID: "g-1", CitizenID: "c-1"}
	a, err := ledger.Fingerprint(rec)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ledger.Fingerprint(rec)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("same record hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 32-byte hex digest, got %d chars", len(a))
	}
}

func TestFingerprintSensitive(t *testing.T) {
	a, _ := ledger.Fingerprint(ledger.GrievanceRecord{GrievanceID: "g-1", CitizenID: "c-1"})
	b, _ := ledger.Fingerprint(ledger.GrievanceRecord{GrievanceID: "g-1", CitizenID: "c-2"})
	if a == b {
		t.Fatalf("different records must not collide")
	}
}
