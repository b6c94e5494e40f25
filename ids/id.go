// This package defines a common id type which is used throughout courier. It is based on random 16 byte values.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) Value() (driver.Value, error) {
	return id[:], nil
}

func (id *ID) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*id = ID{}
		return nil
	case []byte:
		if len(v) == 0 {
			*id = ID{}
			return nil
		}
		if len(v) != 16 {
			return fmt.Errorf("ids: expected 16 bytes, got %d", len(v))
		}
		copy(id[:], v)
		return nil
	case string:
		return id.Scan([]byte(v))
	default:
		return fmt.Errorf("ids: cannot scan %T", src)
	}
}
