package canonicalize

import (
	"testing"
)

func TestJCSKeyOrdering(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"z": true, "y": false}}
	b := map[string]interface{}{"c": map[string]interface{}{"y": false, "z": true}, "a": 2, "b": 1}

	ca, err := JCS(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := JCS(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ: %s vs %s", ca, cb)
	}
	if string(ca) != `{"a":2,"b":1,"c":{"y":false,"z":true}}` {
		t.Errorf("unexpected canonical form: %s", ca)
	}
}

func TestDigestDeterminism(t *testing.T) {
	v := map[string]interface{}{"actor": "GID-01", "amount": "500.00"}
	d1, err := Digest(v)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Digest(v)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("digest not deterministic: %s vs %s", d1, d2)
	}
	if len(d1) != 64 {
		t.Errorf("expected 64 hex chars for SHA3-256, got %d", len(d1))
	}
}

func TestDigestSensitivity(t *testing.T) {
	d1, _ := Digest(map[string]interface{}{"amount": "500.00"})
	d2, _ := Digest(map[string]interface{}{"amount": "500.01"})
	if d1 == d2 {
		t.Error("distinct payloads must not collide")
	}
}
