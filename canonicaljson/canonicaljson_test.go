package canonicaljson

import (
	"testing"
)

// TestCanonicalizeSortsKeys verifies object keys come out sorted at every
// nesting level.
func TestCanonicalizeSortsKeys(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "flat object",
			in:   `{"b":2,"a":1}`,
			want: `{"a":1,"b":2}`,
		},
		{
			name: "nested object",
			in:   `{"z":{"y":2,"x":1},"a":0}`,
			want: `{"a":0,"z":{"x":1,"y":2}}`,
		},
		{
			name: "whitespace removed",
			in:   "{\n  \"b\": 2,\n  \"a\": 1\n}",
			want: `{"a":1,"b":2}`,
		},
		{
			name: "arrays keep order",
			in:   `{"k":[3,1,2]}`,
			want: `{"k":[3,1,2]}`,
		},
		{
			name: "large integer survives",
			in:   `{"ts":1700000000000}`,
			want: `{"ts":1700000000000}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize([]byte(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("Canonicalize(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

// TestCanonicalizeNoHTMLEscaping verifies angle brackets and ampersands pass
// through unescaped.
func TestCanonicalizeNoHTMLEscaping(t *testing.T) {
	got, err := Canonicalize([]byte(`{"body":"<b>hi</b> & bye"}`))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"body":"<b>hi</b> & bye"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

// TestCanonicalizeRejectsInvalid verifies garbage input returns an error.
func TestCanonicalizeRejectsInvalid(t *testing.T) {
	if _, err := Canonicalize([]byte("{not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// TestMarshal verifies Go values marshal straight into canonical form.
func TestMarshal(t *testing.T) {
	got, err := Marshal(map[string]interface{}{"b": 2, "a": "x"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":"x","b":2}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

// TestSignableJSON verifies the signatures and unsigned keys are stripped
// before canonicalization.
func TestSignableJSON(t *testing.T) {
	in := `{
		"user_id": "@alice:example.org",
		"signatures": {"@alice:example.org": {"ed25519:DEV": "sig"}},
		"unsigned": {"device_display_name": "laptop"},
		"keys": {"curve25519:DEV": "key"}
	}`
	got, err := SignableJSON([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"keys":{"curve25519:DEV":"key"},"user_id":"@alice:example.org"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

// TestSignableJSONRejectsNonObject verifies only objects are signable.
func TestSignableJSONRejectsNonObject(t *testing.T) {
	if _, err := SignableJSON([]byte(`[1,2,3]`)); err == nil {
		t.Error("expected error for JSON array")
	}
}

// TestSignableFrom verifies struct values produce the same signable bytes as
// their JSON form.
func TestSignableFrom(t *testing.T) {
	type deviceKeys struct {
		UserID     string            `json:"user_id"`
		Signatures map[string]string `json:"signatures,omitempty"`
	}
	got, err := SignableFrom(deviceKeys{
		UserID:     "@bob:example.org",
		Signatures: map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"user_id":"@bob:example.org"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
