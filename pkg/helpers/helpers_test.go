package helpers

import (
	"bytes"
	"testing"
)

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom error = %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("len = %d, want 32", len(a))
	}
	b, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom error = %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two draws returned identical bytes")
	}
}

func TestConstantTimeCompare(t *testing.T) {
	if !ConstantTimeCompare([]byte("abc"), []byte("abc")) {
		t.Error("equal slices compared unequal")
	}
	if ConstantTimeCompare([]byte("abc"), []byte("abd")) {
		t.Error("unequal slices compared equal")
	}
	if ConstantTimeCompare([]byte("abc"), []byte("ab")) {
		t.Error("slices of different length compared equal")
	}
}

func TestReverseBytes(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	got := ReverseBytes(in)
	want := []byte{4, 3, 2, 1}
	if !bytes.Equal(got, want) {
		t.Errorf("ReverseBytes = %v, want %v", got, want)
	}
	// Original must be untouched.
	if !bytes.Equal(in, []byte{1, 2, 3, 4}) {
		t.Error("ReverseBytes mutated input")
	}
}
