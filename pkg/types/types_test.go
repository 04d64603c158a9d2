package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHash_IsZero(t *testing.T) {
	var zero Hash
	if !zero.IsZero() {
		t.Error("zero-value Hash should be zero")
	}
	if (Hash{0x01}).IsZero() {
		t.Error("non-zero Hash should not be zero")
	}
}

func TestHash_JSONRoundtrip(t *testing.T) {
	h := Hash{0xab, 0xcd}
	h[31] = 0xef
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Hash
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != h {
		t.Errorf("roundtrip mismatch: got %s, want %s", got, h)
	}
}

func TestHexToHash_Invalid(t *testing.T) {
	if _, err := HexToHash("zz"); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := HexToHash("abcd"); err == nil {
		t.Error("expected error for short input")
	}
}

func TestHash_Compare(t *testing.T) {
	a, b := Hash{0x01}, Hash{0x02}
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Error("Compare ordering is wrong")
	}
}

func TestOutpoint_BytesRoundtrip(t *testing.T) {
	o := Outpoint{TxID: Hash{0xaa, 0xbb}, Index: 7}
	got, err := OutpointFromBytes(o.Bytes())
	if err != nil {
		t.Fatalf("OutpointFromBytes: %v", err)
	}
	if got != o {
		t.Errorf("got %s, want %s", got, o)
	}
	if !strings.HasSuffix(o.String(), ":7") {
		t.Errorf("String() = %s, want suffix :7", o.String())
	}
	if !(Outpoint{}).IsZero() {
		t.Error("zero outpoint should be zero")
	}
}

func TestScript_IsEmpty(t *testing.T) {
	if !(Script{}).IsEmpty() {
		t.Error("zero script should be empty")
	}
	if P2PKScript(make([]byte, 33)).IsEmpty() {
		t.Error("P2PK script should not be empty")
	}
	if got := ScriptTypeP2PK.String(); got != "P2PK" {
		t.Errorf("String() = %q, want P2PK", got)
	}
}

func TestAddress_Bech32Roundtrip(t *testing.T) {
	oldHRP := activeHRP
	defer func() { activeHRP = oldHRP }()

	for _, hrp := range []string{MainnetHRP, TestnetHRP} {
		SetAddressHRP(hrp)
		a := Address{0x8f, 0x3a, 0x44, 0xb8, 0x05, 0x6c, 0xaf, 0xec, 0x36, 0x8d,
			0xea, 0x0c, 0xbe, 0x0a, 0xd1, 0xd9, 0xbc, 0x3f, 0x43, 0x05}
		s := a.String()
		if !strings.HasPrefix(s, hrp+"1") {
			t.Fatalf("String() = %s, want prefix %s1", s, hrp)
		}
		parsed, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", s, err)
		}
		if parsed != a {
			t.Errorf("roundtrip mismatch: got %x, want %x", parsed, a)
		}
	}
}

func TestParseAddress_Hex(t *testing.T) {
	a := Address{0xab, 0xcd}
	parsed, err := ParseAddress(a.Hex())
	if err != nil {
		t.Fatalf("ParseAddress hex: %v", err)
	}
	if parsed != a {
		t.Errorf("got %x, want %x", parsed, a)
	}
	if _, err := ParseAddress(""); err == nil {
		t.Error("expected error for empty address")
	}
	if _, err := ParseAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"); err == nil {
		t.Error("expected error for foreign prefix")
	}
}
