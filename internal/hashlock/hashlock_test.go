package hashlock

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func TestVerifyRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		{0xff},
		[]byte("secret1"),
		bytes.Repeat([]byte{0xab}, 32),
		bytes.Repeat([]byte{0x01}, 1024),
	}
	for i := 0; i < 32; i++ {
		b := make([]byte, i*7)
		if _, err := rand.Read(b); err != nil {
			t.Fatal(err)
		}
		inputs = append(inputs, b)
	}

	for _, in := range inputs {
		h := Hash(in)
		if !Verify(in, h[:]) {
			t.Errorf("Verify(%x, sha256) = false, want true", in)
		}
	}
}

func TestVerifyRejectsOtherPreimage(t *testing.T) {
	pairs := []struct{ a, b []byte }{
		{[]byte{}, []byte{0x00}},
		{[]byte{0x00}, []byte{0x01}},
		{[]byte("secret1"), []byte("wrong")},
		{[]byte("secret1"), []byte("secret1 ")},
	}
	for _, p := range pairs {
		h := Hash(p.b)
		if Verify(p.a, h[:]) {
			t.Errorf("Verify(%q, sha256(%q)) = true, want false", p.a, p.b)
		}
	}
}

func TestVerifyRejectsMalformedHashlock(t *testing.T) {
	h := Hash([]byte("secret1"))
	tests := []struct {
		name     string
		hashlock []byte
	}{
		{"nil", nil},
		{"short", h[:31]},
		{"long", append(h[:], 0x00)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Verify([]byte("secret1"), tt.hashlock) {
				t.Error("Verify should fail for a malformed hashlock")
			}
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	secret, hash, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if !Verify(secret[:], hash[:]) {
		t.Error("generated secret does not verify against its hash")
	}

	other, _, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if secret == other {
		t.Error("two generated secrets are identical")
	}
}

func TestParseHashlock(t *testing.T) {
	h := Hash([]byte("secret1"))
	plain := hex.EncodeToString(h[:])

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain", plain, false},
		{"prefixed", "0x" + plain, false},
		{"uppercase", strings.ToUpper(plain), false},
		{"short", plain[:60], true},
		{"odd", plain[:63], true},
		{"empty", "", true},
		{"garbage", strings.Repeat("g", 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHashlock(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidHashlock) {
					t.Errorf("ParseHashlock(%q) error = %v, want ErrInvalidHashlock", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHashlock(%q) error = %v", tt.in, err)
			}
			if got != h {
				t.Errorf("ParseHashlock(%q) = %x, want %x", tt.in, got, h)
			}
		})
	}
}
