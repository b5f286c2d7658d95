package syncmgr

import (
	"testing"

	"github.com/n3toric/corenode/internal/types"
)

// buildHeaderChain returns n linked headers starting at index startIdx,
// the first linking to prevHash.
func buildHeaderChain(h256d func([]byte) types.U256, startIdx uint32, prevHash types.U256, n int) []types.BlockHeader {
	out := make([]types.BlockHeader, n)
	for i := 0; i < n; i++ {
		out[i] = types.BlockHeader{
			Version:     types.HeaderVersion,
			PrevHash:    prevHash,
			Index:       startIdx + uint32(i),
			TimestampMs: uint64(1000 + i),
		}
		prevHash = out[i].Hash(h256d)
	}
	return out
}

func TestHeaderCacheAppendsLinkedBatch(t *testing.T) {
	c := NewHeaderCache(sha256d, 0, types.ZeroU256, false)
	headers := buildHeaderChain(sha256d, 0, types.ZeroU256, 5)

	n, err := c.AppendHeaders(headers)
	if err != nil {
		t.Fatalf("AppendHeaders: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 accepted, got %d", n)
	}
	if c.Height() != 4 {
		t.Fatalf("expected height 4, got %d", c.Height())
	}
	if c.TipHash() != headers[4].Hash(sha256d) {
		t.Fatal("tip hash does not match last appended header")
	}
	h, err := c.HeaderAt(2)
	if err != nil {
		t.Fatalf("HeaderAt(2): %v", err)
	}
	if h.Index != 2 {
		t.Fatalf("HeaderAt(2) returned index %d", h.Index)
	}
}

func TestHeaderCacheRejectsBrokenLinkage(t *testing.T) {
	c := NewHeaderCache(sha256d, 0, types.ZeroU256, false)
	headers := buildHeaderChain(sha256d, 0, types.ZeroU256, 3)
	headers[2].PrevHash = types.U256{0xde, 0xad}

	if _, err := c.AppendHeaders(headers); err == nil {
		t.Fatal("broken hash linkage must reject the batch")
	}
	if c.Height() != 0 {
		t.Fatalf("rejected batch must not advance height, got %d", c.Height())
	}
}

func TestHeaderCacheRejectsOutOfOrderIndices(t *testing.T) {
	c := NewHeaderCache(sha256d, 0, types.ZeroU256, false)
	headers := buildHeaderChain(sha256d, 0, types.ZeroU256, 3)
	headers[1].Index = 7

	if _, err := c.AppendHeaders(headers); err == nil {
		t.Fatal("non-monotonic indices must reject the batch")
	}
}

func TestHeaderCacheContinuesFromSeededTip(t *testing.T) {
	base := buildHeaderChain(sha256d, 0, types.ZeroU256, 3)
	tip := base[2]
	c := NewHeaderCache(sha256d, tip.Index, tip.Hash(sha256d), true)

	next := buildHeaderChain(sha256d, 3, tip.Hash(sha256d), 2)
	if _, err := c.AppendHeaders(next); err != nil {
		t.Fatalf("AppendHeaders from seeded tip: %v", err)
	}
	if c.Height() != 4 {
		t.Fatalf("expected height 4, got %d", c.Height())
	}

	// A batch that does not link to the seeded tip is rejected.
	c2 := NewHeaderCache(sha256d, tip.Index, tip.Hash(sha256d), true)
	unlinked := buildHeaderChain(sha256d, 3, types.U256{0xaa}, 2)
	if _, err := c2.AppendHeaders(unlinked); err == nil {
		t.Fatal("batch not linking to the seeded tip must be rejected")
	}
}

func TestHeaderCacheTrimBelow(t *testing.T) {
	c := NewHeaderCache(sha256d, 0, types.ZeroU256, false)
	headers := buildHeaderChain(sha256d, 0, types.ZeroU256, 5)
	if _, err := c.AppendHeaders(headers); err != nil {
		t.Fatalf("AppendHeaders: %v", err)
	}

	c.TrimBelow(2)
	if _, err := c.HeaderAt(1); err == nil {
		t.Fatal("trimmed header still retrievable")
	}
	if _, err := c.HeaderAt(3); err != nil {
		t.Fatalf("untrimmed header lost: %v", err)
	}
	if c.Height() != 4 {
		t.Fatalf("trim must not move the tip, got height %d", c.Height())
	}
}
