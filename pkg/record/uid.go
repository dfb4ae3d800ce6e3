package record

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// UID identifies a recording session. It is chosen by the mobile app.
type UID [8]byte

// String renders the UID as 16 upper-case hex characters, which is also the session file name
func (u UID) String() string {
	return strings.ToUpper(hex.EncodeToString(u[:]))
}

// IsZero reports whether no UID has been assigned
func (u UID) IsZero() bool {
	return u == UID{}
}

// MaxChunkID is the last chunk id a continuous session can use; chunk file
// names carry it as two hex digits
const MaxChunkID = 0xFF

// ChunkName is the file name of one chunk of a continuous session
func (u UID) ChunkName(chunkID uint16) string {
	return fmt.Sprintf("%s%02X", u.String(), chunkID)
}

// ParseUID parses the 16 hex character form produced by String
func ParseUID(s string) (UID, error) {
	var u UID
	b, err := hex.DecodeString(s)
	if err != nil {
		return u, fmt.Errorf("invalid uid %q: %w", s, err)
	}
	if len(b) != len(u) {
		return u, fmt.Errorf("invalid uid %q: expected %d bytes, got %d", s, len(u), len(b))
	}
	copy(u[:], b)
	return u, nil
}

// MarshalText renders the UID in its file name form
func (u UID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText parses the file name form
func (u *UID) UnmarshalText(b []byte) error {
	parsed, err := ParseUID(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
