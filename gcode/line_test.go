package gcode

import "testing"

func TestCleanStripsCommentsAndFrames(t *testing.T) {
	cases := map[string]string{
		"G1 X1 (move) Y2": "G1 X1  Y2",
		"G1 X1 ; trailing": "G1 X1",
		"%":                "",
		"   ":              "",
		"\ufeffG21":        "G21",
	}
	for in, want := range cases {
		if got := Clean(in); got != want {
			t.Errorf("Clean(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWordsAndHasG(t *testing.T) {
	words := Words("G1X1.5Y-2F500")
	if !HasG(words, 1) {
		t.Fatal("expected G1")
	}
	var x, y, f float64
	for _, w := range words {
		switch w.Letter {
		case 'X':
			x = w.Value
		case 'Y':
			y = w.Value
		case 'F':
			f = w.Value
		}
	}
	if x != 1.5 || y != -2 || f != 500 {
		t.Fatalf("x=%v y=%v f=%v", x, y, f)
	}
}

func TestHasGDottedCode(t *testing.T) {
	words := Words("G90.1")
	if !HasG(words, 90.1) {
		t.Fatal("expected G90.1 to match")
	}
	if HasG(words, 90) {
		t.Fatal("G90.1 should not match plain G90")
	}
}

func TestValidateLineLength(t *testing.T) {
	long := make([]byte, MaxLineLength)
	for i := range long {
		long[i] = 'X'
	}
	if err := Validate(string(long)); err == nil {
		t.Fatal("expected error for over-length line")
	}
	if err := Validate("G1 X1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsNonASCII(t *testing.T) {
	if err := Validate("G1 X1°"); err == nil {
		t.Fatal("expected error for non-ASCII byte")
	}
}

func TestValidateAllowsTab(t *testing.T) {
	if err := Validate("G1\tX1"); err != nil {
		t.Fatalf("unexpected error for a tab byte: %v", err)
	}
}
