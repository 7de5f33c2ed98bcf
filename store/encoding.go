package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Markers are encoded as big-endian uint64s, the same fixed-width
// convention the teacher uses for sequence/progress values
// (hermez_db's progress keys, Mapmutation.IncrementSequence).

func encodeHeight(h uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, h)
	return b
}

func decodeHeight(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Records are JSON-encoded straight from the public types. Felt values
// (including the DeclaredClasses map keys) encode as hex strings via
// Felt.MarshalText.

func encodeHeader(h Header) ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("store: encode header: %w", err)
	}
	return b, nil
}

func decodeHeader(b []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return Header{}, fmt.Errorf("store: decode header: %w", err)
	}
	return h, nil
}

func encodeStateDiff(d StateDiff) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("store: encode state diff: %w", err)
	}
	return b, nil
}

func decodeStateDiff(b []byte) (StateDiff, error) {
	var d StateDiff
	if err := json.Unmarshal(b, &d); err != nil {
		return StateDiff{}, fmt.Errorf("store: decode state diff: %w", err)
	}
	return d, nil
}

func encodeSierraClass(c SierraClass) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("store: encode sierra class: %w", err)
	}
	return b, nil
}

func decodeSierraClass(b []byte) (SierraClass, error) {
	var c SierraClass
	if err := json.Unmarshal(b, &c); err != nil {
		return SierraClass{}, fmt.Errorf("store: decode sierra class: %w", err)
	}
	return c, nil
}
