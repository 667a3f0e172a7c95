package irn

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerator_Format(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	g := NewGenerator("nrs",
		WithClock(func() time.Time { return fixed }),
		WithRandom(bytes.NewReader([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04})),
	)

	got, err := g.Generate("12345678-0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "NRS-123456780001-20250314092653-DEADBEEF01020304"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestGenerator_DefaultPrefix(t *testing.T) {
	got, err := NewGenerator("").Generate("987")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, DefaultPrefix+"-987-") {
		t.Errorf("expected default prefix, got %q", got)
	}
}

func TestGenerator_UniqueInTightLoop(t *testing.T) {
	g := NewGenerator("IRN")
	seen := make(map[string]struct{}, 10000)

	for i := 0; i < 10000; i++ {
		id, err := g.Generate("TIN-0001")
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate IRN after %d generations: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestGenerator_InvalidTaxID(t *testing.T) {
	tests := []struct {
		name  string
		taxID string
	}{
		{name: "empty", taxID: ""},
		{name: "only separators", taxID: " - . "},
		{name: "non ascii", taxID: "12ñ4"},
		{name: "symbol", taxID: "12#4"},
	}

	g := NewGenerator("IRN")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Generate(tt.taxID)
			if !errors.Is(err, ErrInvalidTaxID) {
				t.Errorf("expected ErrInvalidTaxID, got %v", err)
			}
		})
	}
}

func TestGenerator_RandomFailure(t *testing.T) {
	g := NewGenerator("IRN", WithRandom(bytes.NewReader([]byte{0x01})))
	if _, err := g.Generate("123"); err == nil {
		t.Fatal("expected error when entropy source is exhausted")
	}
}
