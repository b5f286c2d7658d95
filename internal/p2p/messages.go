package p2p

import "github.com/n3toric/corenode/internal/types"

// Command names used as Frame.Command.
const (
	CmdVersion    = "version"
	CmdVerack     = "verack"
	CmdAddr       = "addr"
	CmdGetAddr    = "getaddr"
	CmdPing       = "ping"
	CmdPong       = "pong"
	CmdInv        = "inv"
	CmdGetData    = "getdata"
	CmdGetBlocks  = "getblocks"
	CmdGetHeaders = "getheaders"
	CmdHeaders    = "headers"
	CmdBlock      = "block"
	CmdTx         = "tx"
	CmdMempool    = "mempool"
	CmdNotFound   = "notfound"
	CmdConsensus  = "consensus"
)

// InvType distinguishes the kind of hash carried by Inv/GetData/NotFound.
type InvType uint8

const (
	InvTx InvType = iota
	InvBlock
)

// Version is the first message each side sends on connect.
type Version struct {
	Magic       uint32
	Version     uint32
	Services    uint64
	TimestampMs uint64
	Port        uint16
	Nonce       uint32
	UserAgent   string
	StartHeight uint32
	Relay       bool
}

func (v Version) Encode() []byte {
	w := types.NewWriter()
	w.U32(v.Magic)
	w.U32(v.Version)
	w.U64(v.Services)
	w.U64(v.TimestampMs)
	w.U32(uint32(v.Port))
	w.U32(v.Nonce)
	w.VarBytes([]byte(v.UserAgent))
	w.U32(v.StartHeight)
	w.Bool(v.Relay)
	return w.Bytes()
}

func DecodeVersion(b []byte) (Version, error) {
	r := types.NewReader(b)
	v := Version{
		Magic:       r.U32(),
		Version:     r.U32(),
		Services:    r.U64(),
		TimestampMs: r.U64(),
		Port:        uint16(r.U32()),
		Nonce:       r.U32(),
	}
	v.UserAgent = string(r.VarBytesMax(256))
	v.StartHeight = r.U32()
	v.Relay = r.Bool()
	return v, r.Err()
}

// Addr carries a batch of known peer addresses.
type Addr struct{ Addresses []string }

func (a Addr) Encode() []byte {
	w := types.NewWriter()
	w.VarUint(uint64(len(a.Addresses)))
	for _, addr := range a.Addresses {
		w.VarBytes([]byte(addr))
	}
	return w.Bytes()
}

func DecodeAddr(b []byte) (Addr, error) {
	r := types.NewReader(b)
	n := r.VarUint()
	out := Addr{Addresses: make([]string, n)}
	for i := range out.Addresses {
		out.Addresses[i] = string(r.VarBytesMax(256))
	}
	return out, r.Err()
}

// Ping/Pong carry a nonce the sender expects echoed back.
type Ping struct{ Nonce uint64 }
type Pong struct{ Nonce uint64 }

func (p Ping) Encode() []byte { w := types.NewWriter(); w.U64(p.Nonce); return w.Bytes() }
func (p Pong) Encode() []byte { w := types.NewWriter(); w.U64(p.Nonce); return w.Bytes() }

func DecodePing(b []byte) (Ping, error) {
	r := types.NewReader(b)
	p := Ping{Nonce: r.U64()}
	return p, r.Err()
}
func DecodePong(b []byte) (Pong, error) {
	r := types.NewReader(b)
	p := Pong{Nonce: r.U64()}
	return p, r.Err()
}

// Inv/GetData/NotFound all carry a (type, hashes) pair.
type HashList struct {
	Type   InvType
	Hashes []types.U256
}

func (h HashList) Encode() []byte {
	w := types.NewWriter()
	w.U8(uint8(h.Type))
	w.VarUint(uint64(len(h.Hashes)))
	for _, hash := range h.Hashes {
		w.Bytes32(hash)
	}
	return w.Bytes()
}

func DecodeHashList(b []byte) (HashList, error) {
	r := types.NewReader(b)
	h := HashList{Type: InvType(r.U8())}
	n := r.VarUint()
	h.Hashes = make([]types.U256, n)
	for i := range h.Hashes {
		h.Hashes[i] = r.Bytes32()
	}
	return h, r.Err()
}

// GetBlocks/GetHeaders both request a range starting after a known
// hash, up to count items.
type RangeRequest struct {
	HashStart types.U256
	Count     uint32
}

func (g RangeRequest) Encode() []byte {
	w := types.NewWriter()
	w.Bytes32(g.HashStart)
	w.U32(g.Count)
	return w.Bytes()
}

func DecodeRangeRequest(b []byte) (RangeRequest, error) {
	r := types.NewReader(b)
	g := RangeRequest{HashStart: r.Bytes32(), Count: r.U32()}
	return g, r.Err()
}

// Headers carries a batch of block headers answering a GetHeaders.
type Headers struct{ Headers []types.BlockHeader }

func (h Headers) Encode() []byte {
	w := types.NewWriter()
	w.VarUint(uint64(len(h.Headers)))
	for i := range h.Headers {
		w.VarBytes(h.Headers[i].EncodeHeader())
	}
	return w.Bytes()
}

func DecodeHeaders(b []byte) (Headers, error) {
	r := types.NewReader(b)
	n := r.VarUint()
	out := Headers{Headers: make([]types.BlockHeader, n)}
	for i := range out.Headers {
		raw := r.VarBytesMax(1 << 20)
		if r.Err() != nil {
			return Headers{}, r.Err()
		}
		hdr, err := types.DecodeHeader(raw)
		if err != nil {
			return Headers{}, err
		}
		out.Headers[i] = *hdr
	}
	return out, r.Err()
}

// Block/Tx wrap the already-defined transaction/block wire codecs.
type BlockMsg struct{ Block types.Block }
type TxMsg struct{ Tx types.Transaction }

func (m BlockMsg) Encode() []byte { return m.Block.Encode() }
func (m TxMsg) Encode() []byte    { return m.Tx.Encode() }

func DecodeBlockMsg(b []byte) (BlockMsg, error) {
	blk, err := types.DecodeBlock(b)
	if err != nil {
		return BlockMsg{}, err
	}
	return BlockMsg{Block: *blk}, nil
}

func DecodeTxMsg(b []byte) (TxMsg, error) {
	tx, err := types.DecodeTransaction(b)
	if err != nil {
		return TxMsg{}, err
	}
	return TxMsg{Tx: *tx}, nil
}
