package identity

import (
	"fmt"

	"github.com/atlasnet/atlasnet/internal/codec"
)

// Marshal encodes n as role (u8) followed by the raw 16-byte UUID, per
// spec.md §4.1.
func (n NodeIdentity) Marshal(w *codec.Writer) {
	w.U8(uint8(n.Role))
	w.UUID(n.UUID)
}

// MarshalBytes is a convenience wrapper returning the encoded bytes
// directly, used as the generic byte-blob identity payload sent at
// connection establishment.
func (n NodeIdentity) MarshalBytes() []byte {
	w := codec.NewWriter(17)
	n.Marshal(w)
	return w.Bytes()
}

// Unmarshal decodes a NodeIdentity written by Marshal.
func Unmarshal(r *codec.Reader) (NodeIdentity, error) {
	role, err := r.U8()
	if err != nil {
		return NodeIdentity{}, fmt.Errorf("identity: read role: %w", err)
	}
	u, err := r.UUID()
	if err != nil {
		return NodeIdentity{}, fmt.Errorf("identity: read uuid: %w", err)
	}
	return NodeIdentity{Role: Role(role), UUID: u}, nil
}

// UnmarshalBytes decodes the raw byte-blob identity payload sent by a peer at
// connection time. A peer that cannot be parsed, or whose parsed role is not
// a registered internal role, is tagged External by the caller (see
// internal/interlink).
func UnmarshalBytes(b []byte) (NodeIdentity, error) {
	return Unmarshal(codec.NewReader(b))
}
