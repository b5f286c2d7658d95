package node

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	lpeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/n3toric/corenode/internal/consensus"
	"github.com/n3toric/corenode/internal/events"
	"github.com/n3toric/corenode/internal/p2p"
	"github.com/n3toric/corenode/internal/syncmgr"
	"github.com/n3toric/corenode/internal/txverify"
	"github.com/n3toric/corenode/internal/types"
)

// NetworkConfig is the live-transport half of the coordinator's wiring:
// everything the P2P/Sync side needs that the pure component graph does
// not.
type NetworkConfig struct {
	Magic      uint32
	ListenPort uint16
	SeedNodes  []string // multiaddrs, e.g. /ip4/10.0.0.5/tcp/10333/p2p/<id>
	UserAgent  string

	PingInterval  time.Duration
	PingTimeout   time.Duration
	SyncInterval  time.Duration
	ConsensusTick time.Duration
}

func (c *NetworkConfig) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "/corenode:0.1/"
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 5 * time.Second
	}
	if c.ConsensusTick == 0 {
		c.ConsensusTick = 250 * time.Millisecond
	}
}

// maxConsecutiveMissedPings is how many unanswered pings in a row a
// peer survives before we disconnect it.
const maxConsecutiveMissedPings = 3

// netPeer is one live session plus its per-peer bookkeeping.
type netPeer struct {
	session     *p2p.Session
	nonce       uint32
	missedPings int
}

// netw drives the live transport for a Node: the libp2p host, per-peer
// sessions, relay fan-out, the sync loop, and the consensus message
// pump. It exists only when the coordinator was given a NetworkConfig.
type netw struct {
	node *Node
	cfg  NetworkConfig
	log  *logrus.Logger

	host    host.Host
	nat     *p2p.NATManager
	nonce   uint32
	headers *syncmgr.HeaderCache
	syncer  *syncmgr.Manager

	mu    sync.Mutex
	peers map[string]*netPeer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newNetw(n *Node, cfg NetworkConfig) *netw {
	cfg.setDefaults()
	nw := &netw{
		node:  n,
		cfg:   cfg,
		log:   n.log,
		nonce: rand.Uint32(),
		peers: make(map[string]*netPeer),
	}
	tipHash := types.ZeroU256
	tipIdx := n.chain.CurrentHeight()
	haveTip := false
	if hdr, err := n.chain.GetHeader(tipIdx); err == nil {
		tipHash = hdr.Hash(n.hash256d)
		haveTip = true
	}
	nw.headers = syncmgr.NewHeaderCache(n.hash256d, tipIdx, tipHash, haveTip)
	nw.syncer = syncmgr.New(nw.headers, n.chain, tableSource{nw}, requester{nw}, n.hash256d, syncmgr.Config{})
	return nw
}

// start brings the transport up: host, NAT mapping, inbound handler,
// seed dialing, and the relay/sync/ping/consensus loops.
func (nw *netw) start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	nw.cancel = cancel

	var listen []string
	if nw.cfg.ListenPort != 0 {
		listen = append(listen, fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", nw.cfg.ListenPort))
	}
	h, err := p2p.NewHost(listen...)
	if err != nil {
		return err
	}
	nw.host = h

	if nw.cfg.ListenPort != 0 {
		if nat, err := p2p.NewNATManager(nil); err == nil {
			if err := nat.Map(nw.cfg.ListenPort); err == nil {
				nw.nat = nat
			} else {
				nw.log.WithError(err).Warn("p2p: NAT port mapping failed; staying LAN-only")
			}
		}
	}

	p2p.Serve(h, nw.localVersion(), nw.cfg.Magic, nw.nonce, nw.nonceKnown, func(remote lpeer.ID, v p2p.Version, s network.Stream) {
		addr := multiaddrHostPort(s.Conn().RemoteMultiaddr().String())
		if !nw.node.peers.AllowInbound() {
			_ = s.Reset()
			return
		}
		if _, err := nw.node.peers.BeginConnect(addr, true); err != nil {
			_ = s.Reset()
			return
		}
		nw.admit(ctx, addr, v, s)
	})

	for _, seed := range nw.cfg.SeedNodes {
		seed := seed
		nw.wg.Add(1)
		go func() {
			defer nw.wg.Done()
			nw.dialSeed(ctx, seed)
		}()
	}

	nw.wg.Add(3)
	go func() { defer nw.wg.Done(); nw.relayLoop(ctx) }()
	go func() { defer nw.wg.Done(); nw.syncLoop(ctx) }()
	go func() { defer nw.wg.Done(); nw.pingLoop(ctx) }()
	if nw.node.consensus != nil {
		nw.wg.Add(1)
		go func() { defer nw.wg.Done(); nw.consensusLoop(ctx) }()
	}
	return nil
}

// stop closes every session, the host, and the NAT mapping, then
// waits for the loops to drain, bounded by ShutdownGrace.
func (nw *netw) stop() {
	if nw.cancel != nil {
		nw.cancel()
	}
	nw.mu.Lock()
	for _, p := range nw.peers {
		_ = p.session.Close()
	}
	nw.mu.Unlock()
	if nw.host != nil {
		_ = nw.host.Close()
	}
	if nw.nat != nil {
		_ = nw.nat.Unmap()
	}

	drained := make(chan struct{})
	go func() { nw.wg.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(ShutdownGrace):
		nw.log.Warn("p2p: shutdown grace elapsed with loops still draining")
	}
}

func (nw *netw) localVersion() p2p.Version {
	return p2p.Version{
		Version:     1,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Port:        nw.cfg.ListenPort,
		UserAgent:   nw.cfg.UserAgent,
		StartHeight: nw.node.chain.CurrentHeight(),
		Relay:       true,
	}
}

func (nw *netw) nonceKnown(nonce uint32) bool {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	for _, p := range nw.peers {
		if p.nonce == nonce {
			return true
		}
	}
	return false
}

func (nw *netw) dialSeed(ctx context.Context, seed string) {
	info, err := lpeer.AddrInfoFromString(seed)
	if err != nil {
		nw.log.WithError(err).WithField("seed", seed).Warn("p2p: bad seed multiaddr")
		return
	}
	addr := multiaddrHostPort(seed)
	if err := nw.node.peers.CanDial(addr); err != nil {
		return
	}
	if _, err := nw.node.peers.BeginConnect(addr, false); err != nil {
		return
	}
	nw.node.peers.MarkHandshaking(addr)
	s, remote, err := p2p.Dial(ctx, nw.host, *info, nw.localVersion(), nw.cfg.Magic, nw.nonce, nw.nonceKnown)
	if err != nil {
		nw.log.WithError(err).WithField("seed", seed).Warn("p2p: seed dial failed")
		nw.node.peers.Disconnect(addr, true)
		return
	}
	nw.admit(ctx, addr, remote, s)
}

// admit registers a handshaken stream as a Ready peer and starts its
// reader task.
func (nw *netw) admit(ctx context.Context, addr string, remote p2p.Version, stream p2p.Stream) {
	sess := p2p.NewSession(stream, nw.cfg.Magic, addr, nw.node.hash256d, nw.handlerFor(addr))

	nw.mu.Lock()
	nw.peers[addr] = &netPeer{session: sess, nonce: remote.Nonce}
	nw.mu.Unlock()

	nw.node.peers.MarkReady(addr, remote.Version, remote.UserAgent, remote.StartHeight)
	nw.node.bus.Publish(events.Event{Kind: events.PeerConnected, Data: events.PeerStatusData{Address: addr}})
	nw.log.WithFields(logrus.Fields{"peer": addr, "height": remote.StartHeight, "agent": remote.UserAgent}).Info("p2p: peer ready")

	nw.wg.Add(1)
	go func() {
		defer nw.wg.Done()
		err := sess.Run()
		nw.dropPeer(addr, err)
	}()
	_ = ctx
}

func (nw *netw) dropPeer(addr string, cause error) {
	nw.mu.Lock()
	p, ok := nw.peers[addr]
	if ok {
		delete(nw.peers, addr)
	}
	nw.mu.Unlock()
	if !ok {
		return
	}
	_ = p.session.Close()

	// Malformed frames (checksum/oversize/magic failures) are protocol
	// violations worth a ban; a plain EOF or reset is a clean drop.
	if cause != nil && isProtocolViolation(cause) {
		nw.node.peers.Ban(addr, false)
		nw.node.bus.Publish(events.Event{Kind: events.PeerBanned, Data: events.PeerStatusData{Address: addr}})
	} else {
		nw.node.peers.Disconnect(addr, cause != nil)
	}
	nw.node.bus.Publish(events.Event{Kind: events.PeerDisconnected, Data: events.PeerStatusData{Address: addr}})
}

func isProtocolViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "checksum mismatch") ||
		strings.Contains(msg, "oversize frame") ||
		strings.Contains(msg, "magic mismatch")
}

func (nw *netw) sessions() []*p2p.Session {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	out := make([]*p2p.Session, 0, len(nw.peers))
	for _, p := range nw.peers {
		out = append(out, p.session)
	}
	return out
}

func (nw *netw) sessionFor(addr string) (*p2p.Session, bool) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	p, ok := nw.peers[addr]
	if !ok {
		return nil, false
	}
	return p.session, true
}

func (nw *netw) broadcast(command string, payload []byte, except string) {
	for _, s := range nw.sessions() {
		if s.Addr() == except {
			continue
		}
		if err := s.Send(command, payload); err != nil {
			nw.log.WithError(err).WithField("peer", s.Addr()).Debug("p2p: broadcast send failed")
		}
	}
}

// handlerFor binds the session callbacks to one peer address, routing
// each message kind to its owning component: Tx to the MemPool,
// Block to the Ledger, inventory both ways, consensus payloads to the
// SM.
func (nw *netw) handlerFor(addr string) p2p.SessionHandler {
	n := nw.node
	return p2p.SessionHandler{
		OnTx: func(m p2p.TxMsg) {
			nw.handleTx(addr, m.Tx)
		},
		OnBlock: func(m p2p.BlockMsg) {
			if err := n.chain.ApplyBlock(&m.Block); err != nil {
				n.peers.Penalize(addr, "invalid block relayed")
			}
		},
		OnHeaders: func(h p2p.Headers) {
			if _, err := nw.headers.AppendHeaders(h.Headers); err != nil {
				n.peers.Penalize(addr, "unsolicited invalid headers")
			}
		},
		OnInv:        func(h p2p.HashList) { nw.handleInv(addr, h) },
		OnGetData:    func(h p2p.HashList) { nw.handleGetData(addr, h) },
		OnGetHeaders: func(g p2p.RangeRequest) { nw.handleGetHeaders(addr, g) },
		OnGetBlocks:  func(g p2p.RangeRequest) { nw.handleGetBlocks(addr, g) },
		OnMempool:    func() { nw.handleMempoolRequest(addr) },
		OnGetAddr:    func() { nw.handleGetAddr(addr) },
		OnAddr:       func(a p2p.Addr) {},
		OnConsensus:  func(payload []byte) { nw.handleConsensus(addr, payload) },
	}
}

func (nw *netw) handleTx(addr string, tx types.Transaction) {
	n := nw.node
	hash := tx.Hash(n.hash256d)
	if n.pool.Contains(hash) {
		return
	}
	if _, err := n.pool.Add(&tx, n.chain); err != nil {
		var rej *txverify.RejectionError
		if asRejection(err, &rej) {
			// Relaying an unverifiable tx costs reputation but never bans
			// on a first offense.
			n.peers.Penalize(addr, string(rej.Reason))
		}
		return
	}
	n.bus.Publish(events.Event{Kind: events.TxAdmitted, Data: events.TxAdmittedData{Hash: hash}})
}

func asRejection(err error, target **txverify.RejectionError) bool {
	for err != nil {
		if r, ok := err.(*txverify.RejectionError); ok {
			*target = r
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (nw *netw) handleInv(addr string, h p2p.HashList) {
	n := nw.node
	var unknown []types.U256
	for _, hash := range h.Hashes {
		switch h.Type {
		case p2p.InvTx:
			if n.pool.Contains(hash) {
				continue
			}
			if known, _ := n.chain.ContainsTransaction(hash); known {
				continue
			}
			unknown = append(unknown, hash)
		case p2p.InvBlock:
			if _, err := n.chain.GetBlockByHash(hash); err == nil {
				continue
			}
			unknown = append(unknown, hash)
		}
	}
	if len(unknown) == 0 {
		return
	}
	if s, ok := nw.sessionFor(addr); ok {
		_ = s.Send(p2p.CmdGetData, p2p.HashList{Type: h.Type, Hashes: unknown}.Encode())
	}
}

func (nw *netw) handleGetData(addr string, h p2p.HashList) {
	n := nw.node
	s, ok := nw.sessionFor(addr)
	if !ok {
		return
	}
	var missing []types.U256
	for _, hash := range h.Hashes {
		switch h.Type {
		case p2p.InvTx:
			if tx, ok := n.pool.Get(hash); ok {
				_ = s.Send(p2p.CmdTx, p2p.TxMsg{Tx: *tx}.Encode())
				continue
			}
			if tx, _, _, err := n.chain.GetTransaction(hash); err == nil {
				_ = s.Send(p2p.CmdTx, p2p.TxMsg{Tx: *tx}.Encode())
				continue
			}
			missing = append(missing, hash)
		case p2p.InvBlock:
			if blk, err := n.chain.GetBlockByHash(hash); err == nil {
				_ = s.Send(p2p.CmdBlock, p2p.BlockMsg{Block: *blk}.Encode())
				continue
			}
			missing = append(missing, hash)
		}
	}
	if len(missing) > 0 {
		_ = s.Send(p2p.CmdNotFound, p2p.HashList{Type: h.Type, Hashes: missing}.Encode())
	}
}

// handleGetHeaders serves up to Count headers following HashStart (or
// from genesis when HashStart is zero).
func (nw *netw) handleGetHeaders(addr string, g p2p.RangeRequest) {
	n := nw.node
	s, ok := nw.sessionFor(addr)
	if !ok {
		return
	}
	start, ok := nw.rangeStart(g.HashStart)
	if !ok {
		_ = s.Send(p2p.CmdHeaders, p2p.Headers{}.Encode())
		return
	}
	count := g.Count
	if count == 0 || count > 2000 {
		count = 2000
	}
	var out []types.BlockHeader
	tip := n.chain.CurrentHeight()
	for i := start; i <= tip && uint32(len(out)) < count; i++ {
		hdr, err := n.chain.GetHeader(i)
		if err != nil {
			break
		}
		out = append(out, *hdr)
	}
	_ = s.Send(p2p.CmdHeaders, p2p.Headers{Headers: out}.Encode())
}

func (nw *netw) handleGetBlocks(addr string, g p2p.RangeRequest) {
	n := nw.node
	s, ok := nw.sessionFor(addr)
	if !ok {
		return
	}
	start, ok := nw.rangeStart(g.HashStart)
	if !ok {
		return
	}
	count := g.Count
	if count == 0 || count > 500 {
		count = 500
	}
	var hashes []types.U256
	tip := n.chain.CurrentHeight()
	for i := start; i <= tip && uint32(len(hashes)) < count; i++ {
		hdr, err := n.chain.GetHeader(i)
		if err != nil {
			break
		}
		hashes = append(hashes, hdr.Hash(n.hash256d))
	}
	if len(hashes) > 0 {
		_ = s.Send(p2p.CmdInv, p2p.HashList{Type: p2p.InvBlock, Hashes: hashes}.Encode())
	}
}

// rangeStart resolves a GetHeaders/GetBlocks hash_start to the first
// index to serve: 0 for the zero hash, the successor of the named block
// otherwise.
func (nw *netw) rangeStart(hashStart types.U256) (uint32, bool) {
	if hashStart.IsZero() {
		return 0, true
	}
	blk, err := nw.node.chain.GetBlockByHash(hashStart)
	if err != nil {
		return 0, false
	}
	return blk.Header.Index + 1, true
}

func (nw *netw) handleMempoolRequest(addr string) {
	n := nw.node
	s, ok := nw.sessionFor(addr)
	if !ok {
		return
	}
	var hashes []types.U256
	n.pool.Iter(func(tx *types.Transaction) bool {
		hashes = append(hashes, tx.Hash(n.hash256d))
		return true
	})
	if len(hashes) > 0 {
		_ = s.Send(p2p.CmdInv, p2p.HashList{Type: p2p.InvTx, Hashes: hashes}.Encode())
	}
}

func (nw *netw) handleGetAddr(addr string) {
	s, ok := nw.sessionFor(addr)
	if !ok {
		return
	}
	var addrs []string
	for _, info := range nw.node.peers.Ready() {
		if info.Address != addr {
			addrs = append(addrs, info.Address)
		}
	}
	_ = s.Send(p2p.CmdAddr, p2p.Addr{Addresses: addrs}.Encode())
}

// relayLoop republishes locally admitted inventory to every Ready peer
// .
func (nw *netw) relayLoop(ctx context.Context) {
	ch, unsub := nw.node.bus.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.BlockApplied:
				data, ok := ev.Data.(events.BlockAppliedData)
				if !ok {
					continue
				}
				nw.broadcast(p2p.CmdInv, p2p.HashList{Type: p2p.InvBlock, Hashes: []types.U256{types.U256(data.Hash)}}.Encode(), "")
				nw.headers.TrimBelow(data.Index)
			case events.TxAdmitted:
				data, ok := ev.Data.(events.TxAdmittedData)
				if !ok {
					continue
				}
				nw.broadcast(p2p.CmdInv, p2p.HashList{Type: p2p.InvTx, Hashes: []types.U256{types.U256(data.Hash)}}.Encode(), "")
			}
		}
	}
}

// syncLoop periodically drives the Sync Manager toward the best known
// peer height.
func (nw *netw) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(nw.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			best := nw.node.peers.BestKnownHeight()
			if best <= nw.node.chain.CurrentHeight() {
				continue
			}
			if err := nw.syncer.RunOnce(ctx); err != nil {
				nw.log.WithError(err).Debug("sync: pass incomplete")
			}
		}
	}
}

// pingLoop measures per-peer latency and disconnects peers that miss
// three pings in a row.
func (nw *netw) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(nw.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nw.mu.Lock()
			peers := make(map[string]*netPeer, len(nw.peers))
			for addr, p := range nw.peers {
				peers[addr] = p
			}
			nw.mu.Unlock()

			for addr, p := range peers {
				addr, p := addr, p
				nw.wg.Add(1)
				go func() {
					defer nw.wg.Done()
					rtt, err := p.session.Ping(ctx, rand.Uint64(), nw.cfg.PingTimeout)
					if err != nil {
						nw.mu.Lock()
						p.missedPings++
						missed := p.missedPings
						nw.mu.Unlock()
						if missed >= maxConsecutiveMissedPings {
							nw.dropPeer(addr, nil)
						}
						return
					}
					nw.mu.Lock()
					p.missedPings = 0
					nw.mu.Unlock()
					nw.node.peers.UpdateLatency(addr, rtt.Milliseconds())
				}()
			}
		}
	}
}

// consensusLoop fires local timeout checks; everything else in the
// consensus pump is message-driven through handleConsensus.
func (nw *netw) consensusLoop(ctx context.Context) {
	ticker := time.NewTicker(nw.cfg.ConsensusTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if out := nw.node.consensus.CheckTimeout(); out != nil {
				nw.broadcastOutbound(out)
			}
		}
	}
}

// broadcastOutbound seals a state-machine message into a signed envelope
// and fans it out to every Ready peer.
func (nw *netw) broadcastOutbound(out *consensus.Outbound) {
	if out == nil {
		return
	}
	env, err := consensus.EncodeOutbound(out, nw.node.signer)
	if err != nil {
		nw.log.WithError(err).Warn("consensus: seal outbound")
		return
	}
	nw.broadcast(p2p.CmdConsensus, env.Encode(), "")
	nw.publishPhase()
}

func (nw *netw) publishPhase() {
	sm := nw.node.consensus
	nw.node.bus.Publish(events.Event{Kind: events.ConsensusPhase, Data: events.ConsensusPhaseData{
		Height: sm.Height(),
		View:   sm.View(),
		Phase:  sm.Phase().String(),
	}})
}

// handleConsensus verifies a consensus envelope and dispatches it to the
// state machine, broadcasting whatever the SM wants sent in response and
// finalizing the block when the commit quorum lands.
func (nw *netw) handleConsensus(addr string, payload []byte) {
	n := nw.node
	if n.consensus == nil {
		return
	}
	env, err := consensus.DecodeEnvelope(payload)
	if err != nil {
		n.peers.Penalize(addr, "malformed consensus payload")
		return
	}
	if n.verifierC != nil {
		if _, err := env.Verify(n.verifierC); err != nil {
			n.peers.Penalize(addr, "consensus envelope signature")
			return
		}
	}

	switch env.Kind {
	case consensus.KindPrepareRequest:
		msg, err := consensus.DecodePrepareRequest(env.Data)
		if err != nil {
			return
		}
		nw.fetchMissingTxs(addr, msg.TxHashes)
		out, err := n.consensus.HandlePrepareRequest(msg)
		if err == nil {
			nw.broadcastOutbound(out)
		}
	case consensus.KindPrepareResponse:
		msg, err := consensus.DecodePrepareResponse(env.Data)
		if err != nil {
			return
		}
		out, err := n.consensus.HandlePrepareResponse(msg)
		if err == nil {
			nw.broadcastOutbound(out)
		}
	case consensus.KindChangeView:
		msg, err := consensus.DecodeChangeView(env.Data)
		if err != nil {
			return
		}
		out, err := n.consensus.HandleChangeView(msg)
		if err == nil && out != nil {
			// The view-change quorum made this node the new primary; its
			// fresh proposal restarts the happy path in the new view.
			nw.broadcastOutbound(out)
		}
		nw.publishPhase()
	case consensus.KindCommit:
		msg, err := consensus.DecodeCommit(env.Data)
		if err != nil {
			return
		}
		blk, commits, err := n.consensus.HandleCommit(msg)
		if err == nil && blk != nil {
			nw.finalizeBlock(blk, commits)
		}
	case consensus.KindRecoveryRequest:
		msg, err := consensus.DecodeRecoveryRequest(env.Data)
		if err != nil {
			return
		}
		reply := n.consensus.BuildRecovery(msg.ValidatorIndex)
		replyEnv, err := consensus.Seal(consensus.KindRecoveryMessage, reply.Encode(), n.signer)
		if err != nil {
			return
		}
		if s, ok := nw.sessionFor(addr); ok {
			_ = s.Send(p2p.CmdConsensus, replyEnv.Encode())
		}
	case consensus.KindRecoveryMessage:
		msg, err := consensus.DecodeRecoveryMessage(env.Data)
		if err != nil {
			return
		}
		outs, blk, commits := n.consensus.HandleRecovery(msg)
		for _, out := range outs {
			nw.broadcastOutbound(out)
		}
		if blk != nil {
			nw.finalizeBlock(blk, commits)
		}
	}
}

// fetchMissingTxs requests any proposal transactions not yet in pool
// or chain from the proposing peer, so the body can be assembled once
// the round commits.
func (nw *netw) fetchMissingTxs(addr string, hashes []types.U256) {
	n := nw.node
	var missing []types.U256
	for _, h := range hashes {
		if n.pool.Contains(h) {
			continue
		}
		if known, _ := n.chain.ContainsTransaction(h); known {
			continue
		}
		missing = append(missing, h)
	}
	if len(missing) == 0 {
		return
	}
	if s, ok := nw.sessionFor(addr); ok {
		_ = s.Send(p2p.CmdGetData, p2p.HashList{Type: p2p.InvTx, Hashes: missing}.Encode())
	}
}

// finalizeBlock assembles the committed proposal's full body from the
// MemPool, aggregates the commit signatures into the header witness, and
// hands the result to the Ledger before broadcasting it.
func (nw *netw) finalizeBlock(blk *types.Block, commits []consensus.Commit) {
	n := nw.node
	hashes := n.consensus.ProposalTxHashes()
	txs := make([]types.Transaction, 0, len(hashes))
	for _, h := range hashes {
		tx, ok := n.pool.Get(h)
		if !ok {
			if stored, _, _, err := n.chain.GetTransaction(h); err == nil {
				tx = stored
				ok = true
			}
		}
		if !ok {
			nw.log.WithField("tx", h).Error("consensus: committed proposal references unknown tx; cannot finalize locally")
			return
		}
		txs = append(txs, *tx)
	}
	blk.Transactions = txs
	blk.Header.Witness = nw.aggregateWitness(commits)

	if err := n.chain.ApplyBlock(blk); err != nil {
		nw.log.WithError(err).Error("consensus: apply finalized block")
		return
	}
	nw.broadcast(p2p.CmdBlock, p2p.BlockMsg{Block: *blk}.Encode(), "")
	nw.publishPhase()
}

// aggregateWitness packs the quorum's signatures, ordered by validator
// index, into the invocation script against the validator set's multisig
// verification script.
func (nw *netw) aggregateWitness(commits []consensus.Commit) types.Witness {
	sorted := make([]consensus.Commit, len(commits))
	copy(sorted, commits)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].ValidatorIndex > sorted[j].ValidatorIndex; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	w := types.NewWriter()
	for _, c := range sorted {
		w.VarBytes(c.Signature)
	}
	return types.Witness{
		InvocationScript:   w.Bytes(),
		VerificationScript: nw.node.consensusScript,
	}
}

// multiaddrHostPort reduces a /ip4/<host>/tcp/<port>[/p2p/<id>] multiaddr
// to the "host:port" form the Peer Table keys on. Anything unparseable
// is returned as-is, which still yields a stable (if policy-opaque) key.
func multiaddrHostPort(ma string) string {
	parts := strings.Split(ma, "/")
	var host, port string
	for i := 0; i+1 < len(parts); i++ {
		switch parts[i] {
		case "ip4", "ip6", "dns4", "dns6":
			host = parts[i+1]
		case "tcp", "udp":
			port = parts[i+1]
		}
	}
	if host == "" || port == "" {
		return ma
	}
	return host + ":" + port
}

// tableSource adapts the Peer Table to syncmgr.PeerSource.
type tableSource struct{ nw *netw }

func (t tableSource) Ready() []syncmgr.PeerInfo {
	infos := t.nw.node.peers.Ready()
	out := make([]syncmgr.PeerInfo, 0, len(infos))
	for _, info := range infos {
		// Only peers with a live session can serve requests.
		if _, ok := t.nw.sessionFor(info.Address); !ok {
			continue
		}
		out = append(out, syncmgr.PeerInfo{Address: info.Address, Height: info.Height, LatencyMs: info.LatencyMs})
	}
	return out
}

func (t tableSource) FastestReady() (syncmgr.PeerInfo, bool) {
	var best *syncmgr.PeerInfo
	for _, info := range t.Ready() {
		info := info
		if best == nil || info.LatencyMs < best.LatencyMs {
			best = &info
		}
	}
	if best == nil {
		return syncmgr.PeerInfo{}, false
	}
	return *best, true
}

func (t tableSource) BestKnownHeight() uint32 { return t.nw.node.peers.BestKnownHeight() }

func (t tableSource) Penalize(address string, reason string) {
	t.nw.node.peers.Penalize(address, reason)
}

// requester adapts live sessions to syncmgr.Requester.
type requester struct{ nw *netw }

func (r requester) RequestHeaders(ctx context.Context, peerAddr string, startHash types.U256, count uint32) ([]types.BlockHeader, error) {
	s, ok := r.nw.sessionFor(peerAddr)
	if !ok {
		return nil, fmt.Errorf("node: no live session to %s", peerAddr)
	}
	return s.RequestHeaders(ctx, startHash, count)
}

func (r requester) RequestBlock(ctx context.Context, peerAddr string, hash types.U256) (*types.Block, error) {
	s, ok := r.nw.sessionFor(peerAddr)
	if !ok {
		return nil, fmt.Errorf("node: no live session to %s", peerAddr)
	}
	return s.RequestBlock(ctx, hash)
}

var _ syncmgr.PeerSource = tableSource{}
var _ syncmgr.Requester = requester{}
