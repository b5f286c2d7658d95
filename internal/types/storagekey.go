package types

// StorageKey addresses a single contract-storage slot; the MPT and
// DataCache both key on this shape. ContractID is the native or
// deployed contract's integer id; Suffix is the contract-defined key bytes.
type StorageKey struct {
	ContractID int32
	Suffix     []byte
}

// Bytes returns the flat encoding used as the MPT/store key: big-endian
// ContractID followed by Suffix, so that keys of a given contract sort
// contiguously.
func (k StorageKey) Bytes() []byte {
	out := make([]byte, 4+len(k.Suffix))
	out[0] = byte(k.ContractID >> 24)
	out[1] = byte(k.ContractID >> 16)
	out[2] = byte(k.ContractID >> 8)
	out[3] = byte(k.ContractID)
	copy(out[4:], k.Suffix)
	return out
}

// StorageItem is the value half of a storage slot.
type StorageItem struct {
	Value []byte
}
