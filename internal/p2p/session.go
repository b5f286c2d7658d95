package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/n3toric/corenode/internal/types"
)

// RequestTimeout bounds a single solicited round-trip (headers, block,
// pong) before the caller gives up and penalizes the peer.
const RequestTimeout = 20 * time.Second

// SessionHandler receives the unsolicited messages a Ready peer may send
// at any time. Nil fields mean the message kind is ignored. Solicited
// replies (Headers answering our GetHeaders, a Block answering our
// GetData, Pong answering our Ping) are consumed by the pending-request
// waiters and only fall through to these callbacks when nobody asked.
type SessionHandler struct {
	OnInv        func(HashList)
	OnGetData    func(HashList)
	OnGetHeaders func(RangeRequest)
	OnGetBlocks  func(RangeRequest)
	OnHeaders    func(Headers)
	OnBlock      func(BlockMsg)
	OnTx         func(TxMsg)
	OnMempool    func()
	OnAddr       func(Addr)
	OnGetAddr    func()
	OnNotFound   func(HashList)
	OnConsensus  func([]byte)
	OnPing       func() // latency bookkeeping; the Pong reply is automatic
	OnUnknown    func(Frame)
}

// Session owns one Ready peer connection: a write-serialized framed
// stream, a reader loop dispatching inbound frames, and the per-peer
// outstanding-request set with its timeouts. It implements the request
// half of
// syncmgr.Requester for this one peer.
type Session struct {
	stream   Stream
	magic    uint32
	addr     string
	hash256d func([]byte) types.U256
	handler  SessionHandler

	wmu sync.Mutex // serializes WriteFrame; frames must not interleave

	pmu           sync.Mutex
	headersWaiter chan Headers
	blockWaiters  map[types.U256]chan *types.Block
	pongWaiters   map[uint64]chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an already-handshaken stream. Run must be called
// (typically in its own goroutine) before any Request* method is used.
func NewSession(stream Stream, magic uint32, addr string, hash256d func([]byte) types.U256, handler SessionHandler) *Session {
	return &Session{
		stream:       stream,
		magic:        magic,
		addr:         addr,
		hash256d:     hash256d,
		handler:      handler,
		blockWaiters: make(map[types.U256]chan *types.Block),
		pongWaiters:  make(map[uint64]chan struct{}),
		done:         make(chan struct{}),
	}
}

// Addr returns the remote address this session was opened against.
func (s *Session) Addr() string { return s.addr }

// Done is closed when the reader loop exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the underlying stream down; Run returns shortly after.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.stream.Close() })
	return err
}

// Send writes one framed message, serialized against concurrent senders.
func (s *Session) Send(command string, payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return WriteFrame(s.stream, NewFrame(s.magic, command, payload))
}

// Run is the single inbound reader task for this peer, which keeps
// per-peer message delivery FIFO. It returns the read error that ended
// the session; the caller decides whether that error warrants a ban
// (malformed frame) or a plain disconnect (EOF).
func (s *Session) Run() error {
	defer close(s.done)
	defer s.failPending()
	for {
		f, err := ReadFrame(s.stream, s.magic)
		if err != nil {
			return err
		}
		s.dispatch(f)
	}
}

func (s *Session) dispatch(f Frame) {
	switch f.Command {
	case CmdPing:
		if p, err := DecodePing(f.Payload); err == nil {
			if s.handler.OnPing != nil {
				s.handler.OnPing()
			}
			_ = s.Send(CmdPong, Pong{Nonce: p.Nonce}.Encode())
		}
	case CmdPong:
		if p, err := DecodePong(f.Payload); err == nil {
			s.resolvePong(p.Nonce)
		}
	case CmdHeaders:
		h, err := DecodeHeaders(f.Payload)
		if err != nil {
			return
		}
		if !s.resolveHeaders(h) && s.handler.OnHeaders != nil {
			s.handler.OnHeaders(h)
		}
	case CmdBlock:
		m, err := DecodeBlockMsg(f.Payload)
		if err != nil {
			return
		}
		if !s.resolveBlock(&m.Block) && s.handler.OnBlock != nil {
			s.handler.OnBlock(m)
		}
	case CmdNotFound:
		h, err := DecodeHashList(f.Payload)
		if err != nil {
			return
		}
		s.failBlocks(h)
		if s.handler.OnNotFound != nil {
			s.handler.OnNotFound(h)
		}
	case CmdInv:
		if h, err := DecodeHashList(f.Payload); err == nil && s.handler.OnInv != nil {
			s.handler.OnInv(h)
		}
	case CmdGetData:
		if h, err := DecodeHashList(f.Payload); err == nil && s.handler.OnGetData != nil {
			s.handler.OnGetData(h)
		}
	case CmdGetHeaders:
		if g, err := DecodeRangeRequest(f.Payload); err == nil && s.handler.OnGetHeaders != nil {
			s.handler.OnGetHeaders(g)
		}
	case CmdGetBlocks:
		if g, err := DecodeRangeRequest(f.Payload); err == nil && s.handler.OnGetBlocks != nil {
			s.handler.OnGetBlocks(g)
		}
	case CmdTx:
		if m, err := DecodeTxMsg(f.Payload); err == nil && s.handler.OnTx != nil {
			s.handler.OnTx(m)
		}
	case CmdMempool:
		if s.handler.OnMempool != nil {
			s.handler.OnMempool()
		}
	case CmdAddr:
		if a, err := DecodeAddr(f.Payload); err == nil && s.handler.OnAddr != nil {
			s.handler.OnAddr(a)
		}
	case CmdGetAddr:
		if s.handler.OnGetAddr != nil {
			s.handler.OnGetAddr()
		}
	case CmdConsensus:
		if s.handler.OnConsensus != nil {
			s.handler.OnConsensus(f.Payload)
		}
	default:
		// Unknown commands are ignored, peer not penalized.
		if s.handler.OnUnknown != nil {
			s.handler.OnUnknown(f)
		}
	}
}

// RequestHeaders sends GetHeaders and blocks until the peer's Headers
// reply, ctx cancellation, or RequestTimeout. One outstanding header
// request per session.
func (s *Session) RequestHeaders(ctx context.Context, startHash types.U256, count uint32) ([]types.BlockHeader, error) {
	ch := make(chan Headers, 1)
	s.pmu.Lock()
	if s.headersWaiter != nil {
		s.pmu.Unlock()
		return nil, fmt.Errorf("p2p: header request already in flight to %s", s.addr)
	}
	s.headersWaiter = ch
	s.pmu.Unlock()
	defer func() {
		s.pmu.Lock()
		s.headersWaiter = nil
		s.pmu.Unlock()
	}()

	if err := s.Send(CmdGetHeaders, RangeRequest{HashStart: startHash, Count: count}.Encode()); err != nil {
		return nil, fmt.Errorf("p2p: send getheaders to %s: %w", s.addr, err)
	}

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()
	select {
	case h := <-ch:
		return h.Headers, nil
	case <-s.done:
		return nil, fmt.Errorf("p2p: session to %s closed awaiting headers", s.addr)
	case <-timer.C:
		return nil, fmt.Errorf("p2p: headers request to %s timed out", s.addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestBlock sends GetData for one block hash and blocks until the
// matching Block arrives, a NotFound names the hash, ctx cancellation,
// or RequestTimeout.
func (s *Session) RequestBlock(ctx context.Context, hash types.U256) (*types.Block, error) {
	ch := make(chan *types.Block, 1)
	s.pmu.Lock()
	if _, dup := s.blockWaiters[hash]; dup {
		s.pmu.Unlock()
		return nil, fmt.Errorf("p2p: block %s already requested from %s", hash, s.addr)
	}
	s.blockWaiters[hash] = ch
	s.pmu.Unlock()
	defer func() {
		s.pmu.Lock()
		delete(s.blockWaiters, hash)
		s.pmu.Unlock()
	}()

	if err := s.Send(CmdGetData, HashList{Type: InvBlock, Hashes: []types.U256{hash}}.Encode()); err != nil {
		return nil, fmt.Errorf("p2p: send getdata to %s: %w", s.addr, err)
	}

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()
	select {
	case b := <-ch:
		if b == nil {
			return nil, fmt.Errorf("p2p: %s reports block %s not found", s.addr, hash)
		}
		return b, nil
	case <-s.done:
		return nil, fmt.Errorf("p2p: session to %s closed awaiting block", s.addr)
	case <-timer.C:
		return nil, fmt.Errorf("p2p: block request to %s timed out", s.addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping sends a Ping with nonce and waits for the echoing Pong, returning
// the observed round-trip time.
func (s *Session) Ping(ctx context.Context, nonce uint64, timeout time.Duration) (time.Duration, error) {
	ch := make(chan struct{}, 1)
	s.pmu.Lock()
	s.pongWaiters[nonce] = ch
	s.pmu.Unlock()
	defer func() {
		s.pmu.Lock()
		delete(s.pongWaiters, nonce)
		s.pmu.Unlock()
	}()

	start := time.Now()
	if err := s.Send(CmdPing, Ping{Nonce: nonce}.Encode()); err != nil {
		return 0, fmt.Errorf("p2p: send ping to %s: %w", s.addr, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return time.Since(start), nil
	case <-s.done:
		return 0, fmt.Errorf("p2p: session to %s closed awaiting pong", s.addr)
	case <-timer.C:
		return 0, fmt.Errorf("p2p: pong from %s timed out", s.addr)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Session) resolveHeaders(h Headers) bool {
	s.pmu.Lock()
	ch := s.headersWaiter
	s.headersWaiter = nil
	s.pmu.Unlock()
	if ch == nil {
		return false
	}
	ch <- h
	return true
}

func (s *Session) resolveBlock(b *types.Block) bool {
	hash := b.Header.Hash(s.hash256d)
	s.pmu.Lock()
	ch, ok := s.blockWaiters[hash]
	if ok {
		delete(s.blockWaiters, hash)
	}
	s.pmu.Unlock()
	if !ok {
		return false
	}
	ch <- b
	return true
}

func (s *Session) failBlocks(h HashList) {
	if h.Type != InvBlock {
		return
	}
	s.pmu.Lock()
	defer s.pmu.Unlock()
	for _, hash := range h.Hashes {
		if ch, ok := s.blockWaiters[hash]; ok {
			delete(s.blockWaiters, hash)
			ch <- nil
		}
	}
}

func (s *Session) resolvePong(nonce uint64) {
	s.pmu.Lock()
	ch, ok := s.pongWaiters[nonce]
	if ok {
		delete(s.pongWaiters, nonce)
	}
	s.pmu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

// failPending wakes every outstanding waiter when the reader loop dies,
// so no Request* call outlives its session.
func (s *Session) failPending() {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.headersWaiter = nil
	for hash, ch := range s.blockWaiters {
		delete(s.blockWaiters, hash)
		select {
		case ch <- nil:
		default:
		}
	}
	for nonce := range s.pongWaiters {
		delete(s.pongWaiters, nonce)
	}
}
