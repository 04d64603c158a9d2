package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies the type of locking script.
type ScriptType uint8

const (
	// ScriptTypeEmpty is the zero script. An output with an empty script and
	// zero value is the coinstake marker.
	ScriptTypeEmpty ScriptType = 0x00
	ScriptTypeP2PKH ScriptType = 0x01 // Pay to public key hash (20-byte address)
	ScriptTypeP2PK  ScriptType = 0x02 // Pay to public key (33-byte compressed pubkey)
)

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeEmpty:
		return "Empty"
	case ScriptTypeP2PKH:
		return "P2PKH"
	case ScriptTypeP2PK:
		return "P2PK"
	default:
		return "Unknown"
	}
}

// Script defines the locking condition for an output.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// IsEmpty reports whether the script is the empty marker script.
func (s Script) IsEmpty() bool {
	return s.Type == ScriptTypeEmpty && len(s.Data) == 0
}

// P2PKHScript locks an output to an address.
func P2PKHScript(addr Address) Script {
	return Script{Type: ScriptTypeP2PKH, Data: addr.Bytes()}
}

// P2PKScript locks an output directly to a compressed public key.
func P2PKScript(pubKey []byte) Script {
	data := make([]byte, len(pubKey))
	copy(data, pubKey)
	return Script{Type: ScriptTypeP2PK, Data: data}
}

// scriptJSON is the JSON representation of a Script with hex-encoded data.
type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	s.Data = nil
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}
