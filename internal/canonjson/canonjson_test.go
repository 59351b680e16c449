package canonjson

import (
	"testing"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	in := map[string]any{
		"b": 1,
		"a": map[string]any{
			"z": 1,
			"y": 2,
		},
	}
	out, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	expected := `{"a":{"y":2,"z":1},"b":1}`
	if string(out) != expected {
		t.Errorf("expected %q, got %q", expected, out)
	}
}

func TestMarshalOrderIndependence(t *testing.T) {
	a := map[string]any{"x": 1, "y": 2}
	b := map[string]any{"y": 2, "x": 1}

	outA, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal a: %v", err)
	}
	outB, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal b: %v", err)
	}
	if string(outA) != string(outB) {
		t.Errorf("expected order-independent output, got %q vs %q", outA, outB)
	}
}

func TestMarshalPreservesBigIntegerLiteral(t *testing.T) {
	type amountDoc struct {
		Amount string `json:"amount"`
	}
	out, err := Marshal(amountDoc{Amount: "123456789012345678901234567890"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	expected := `{"amount":"123456789012345678901234567890"}`
	if string(out) != expected {
		t.Errorf("expected %q, got %q", expected, out)
	}
}

func TestMarshalNoInsignificantWhitespace(t *testing.T) {
	out, err := Marshal(map[string]any{"a": []any{1, 2, 3}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	expected := `{"a":[1,2,3]}`
	if string(out) != expected {
		t.Errorf("expected %q, got %q", expected, out)
	}
}
