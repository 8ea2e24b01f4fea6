package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
)

func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }

func decodeJSON(b []byte, v any) error { return json.Unmarshal(b, v) }

func u64Bytes(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func bytesU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("counter is %d bytes, want 8", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodeAmount(x *big.Int) []byte { return []byte(x.String()) }

func decodeAmount(b []byte) (*big.Int, error) {
	x, ok := new(big.Int).SetString(string(b), 10)
	if !ok {
		return nil, fmt.Errorf("bad amount %q", b)
	}
	return x, nil
}
