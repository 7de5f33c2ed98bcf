package store

import (
	"encoding/hex"
	"fmt"
)

// Felt is a Starknet field element: a class hash, block hash or similar
// 252-bit value, represented as its big-endian byte encoding. The sync
// core never arithmetic-operates on it, only compares and stores it, so
// a fixed byte array is sufficient.
type Felt [32]byte

func (f Felt) IsZero() bool { return f == Felt{} }

// MarshalText encodes a Felt as 64 lowercase hex digits, so it can be a
// JSON string and a JSON object key (StateDiff.DeclaredClasses).
func (f Felt) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(f[:])), nil
}

func (f *Felt) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != len(f) {
		return fmt.Errorf("store: felt text has %d hex digits, want %d", len(b), 2*len(f))
	}
	_, err := hex.Decode(f[:], b)
	return err
}

// Header is the subset of block-header fields the sync core cares
// about: enough to chain parent hashes and to answer get_block_header.
// Additional protocol metadata is opaque and carried in Extra.
type Header struct {
	Height     uint64
	Hash       Felt
	ParentHash Felt
	Timestamp  uint64
	Extra      map[string]string
}

// Body is opaque beyond being addressed by height: the sync core never
// inspects transactions or receipts.
type Body struct {
	Height uint64
	Raw    []byte
}

// SierraClass is a declared Starknet contract class as delivered by the
// feeder gateway. Program is the opaque Sierra bytecode/ABI blob.
type SierraClass struct {
	ClassHash Felt
	Program   []byte
}

// CompiledClass is the CASM produced from a SierraClass by an
// out-of-core compiler.
type CompiledClass struct {
	ClassHash Felt
	CASM      []byte
}

// StateDiff carries one height's storage mutations plus the classes it
// declares or deprecates. StorageMutations is opaque to the sync core.
type StateDiff struct {
	Height            uint64
	StorageMutations  []byte
	DeclaredClasses   map[Felt]SierraClass
	DeprecatedClasses []Felt
}
