// Package consensus implements the dBFT state machine: the
// PrepareRequest/PrepareResponse/Commit/ChangeView/Recovery message
// set, quorum math, timeout-driven view change, and the commit-safety
// rule that makes dBFT's liveness/safety tradeoff sound. It is a pure
// state machine -- message delivery and timers are owned by whoever
// wires it (internal/node), the same separation internal/blockvalidator
// and internal/txverify already draw between decision logic and I/O.
package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/n3toric/corenode/internal/types"
)

// Phase is one state in the dBFT round.
type Phase uint8

const (
	Initial         Phase = iota
	RequestSending        // primary only
	RequestReceived       // backup
	ResponseSending
	ResponseReceived
	CommitSending
	CommitReceived
	BlockSending
	BlockSent
	ViewChanging
)

func (p Phase) String() string {
	switch p {
	case RequestSending:
		return "request_sending"
	case RequestReceived:
		return "request_received"
	case ResponseSending:
		return "response_sending"
	case ResponseReceived:
		return "response_received"
	case CommitSending:
		return "commit_sending"
	case CommitReceived:
		return "commit_received"
	case BlockSending:
		return "block_sending"
	case BlockSent:
		return "block_sent"
	case ViewChanging:
		return "view_changing"
	default:
		return "initial"
	}
}

// MsgHeader is the common envelope every dBFT message carries.
type MsgHeader struct {
	ValidatorIndex uint8
	BlockIndex     uint32
	View           uint8
}

// PrepareRequest is the primary's block proposal.
type PrepareRequest struct {
	MsgHeader
	Header   types.BlockHeader
	TxHashes []types.U256
	Nonce    uint64
}

// PrepareResponse is a backup's acknowledgement of a proposal hash.
type PrepareResponse struct {
	MsgHeader
	PreparationHash types.U256
}

// ChangeView requests advancing to a new view.
type ChangeView struct {
	MsgHeader
	NewView     uint8
	Reason      string
	TimestampMs uint64
}

// Commit carries a validator's signature over the proposal's header hash.
type Commit struct {
	MsgHeader
	Signature []byte
}

// RecoveryRequest asks peers for their view of the current round.
type RecoveryRequest struct{ MsgHeader }

// RecoveryMessage answers a RecoveryRequest with everything the
// responder has collected for this height.
type RecoveryMessage struct {
	MsgHeader
	PrepareRequest   *PrepareRequest
	PrepareResponses []PrepareResponse
	ChangeViews      []ChangeView
	Commits          []Commit
}

// Quorum returns the byzantine fault bound f and quorum size M for N
// validators (f = (N-1)/3, M = N-f). N must satisfy N>=4
// and (N-1) mod 3 == 0.
func Quorum(n int) (f, m int, err error) {
	if n < 4 {
		return 0, 0, fmt.Errorf("consensus: N=%d < 4", n)
	}
	if (n-1)%3 != 0 {
		return 0, 0, fmt.Errorf("consensus: N=%d does not satisfy (N-1) mod 3 == 0", n)
	}
	f = (n - 1) / 3
	m = n - f
	return f, m, nil
}

// Primary resolves the proposer for (height, view). The modular rule
// chosen is (height+view) mod N; the rule is fixed network-wide, since
// it defines which chain is valid (see DESIGN.md).
func Primary(height uint32, view uint8, n int) int {
	return int((uint64(height) + uint64(view)) % uint64(n))
}

// Signer produces a signature over a message digest using this node's
// validator key. Verifier checks a signature against a validator's
// known public key. Both are injected so consensus stays free of a
// concrete curve/key-management choice (internal/crypto provides the
// production implementation).
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

type Verifier interface {
	Verify(validatorIndex int, digest []byte, sig []byte) (bool, error)
}

// MemPoolSource supplies the primary's transaction set, ordered by
// (-fee_per_byte, arrival).
type MemPoolSource interface {
	TopByFee(max int) []types.Transaction
}

// Outbound is one message the state machine wants broadcast; exactly
// one of the fields is non-nil.
type Outbound struct {
	PrepareRequest  *PrepareRequest
	PrepareResponse *PrepareResponse
	ChangeView      *ChangeView
	Commit          *Commit
	Block           *types.Block
}

// Config bundles SM's fixed parameters.
type Config struct {
	Validators    [][]byte // public keys, index order defines validator_index
	LocalIndex    int
	Signer        Signer
	Verifier      Verifier
	Pool          MemPoolSource
	Hash256d      func([]byte) types.U256
	MerkleRoot    func([]types.U256) types.U256
	BaseTimeoutMs uint64
	ViewCap       uint8
	MaxTxPerBlock int
	NowMs         func() uint64
}

type roundState struct {
	proposal      *PrepareRequest
	proposalHash  types.U256
	responses     map[int]PrepareResponse
	commits       map[int]Commit
	changeViews   map[int]ChangeView // votes for the *next* view beyond current
	committedHash *types.U256        // set once this node has itself broadcast a Commit
	committedView uint8
	phase         Phase
	viewStart     uint64
}

// SM is one height's dBFT round, covering every view until the block
// commits.
type SM struct {
	mu sync.Mutex

	cfg    Config
	n      int
	f      int
	m      int
	height uint32
	view   uint8
	st     roundState

	// prevHash and nextConsensus are fixed for the height at StartHeight
	// and reused when a view change makes this node the new primary, so
	// the fresh proposal chains onto the same parent.
	prevHash      types.U256
	nextConsensus types.U160

	// commitLog remembers, per height, the proposal hash this node has
	// committed to, surviving across view changes within the height.
	commitLog map[uint32]types.U256
}

// New constructs an SM ready to start at height 0. Call StartHeight to
// begin a round.
func New(cfg Config) (*SM, error) {
	n := len(cfg.Validators)
	f, m, err := Quorum(n)
	if err != nil {
		return nil, err
	}
	if cfg.BaseTimeoutMs == 0 {
		cfg.BaseTimeoutMs = 15000
	}
	if cfg.ViewCap == 0 {
		cfg.ViewCap = 6
	}
	if cfg.MaxTxPerBlock == 0 {
		cfg.MaxTxPerBlock = 500
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() uint64 { return uint64(time.Now().UnixMilli()) }
	}
	return &SM{cfg: cfg, n: n, f: f, m: m, commitLog: make(map[uint32]types.U256)}, nil
}

// Phase returns the current round's phase.
func (s *SM) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.phase
}

// View returns the current view number.
func (s *SM) View() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Height returns the height of the round in progress.
func (s *SM) Height() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

// ProposalTxHashes returns the current proposal's transaction hash list,
// used by the finalization wiring to assemble the full block body once
// the commit quorum is reached. Nil if no proposal has been accepted.
func (s *SM) ProposalTxHashes() []types.U256 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.proposal == nil {
		return nil
	}
	out := make([]types.U256, len(s.st.proposal.TxHashes))
	copy(out, s.st.proposal.TxHashes)
	return out
}

func (s *SM) isPrimary() bool {
	return Primary(s.height, s.view, s.n) == s.cfg.LocalIndex
}

// StartHeight begins a new round at height, resetting all per-height
// state, and returns the primary's PrepareRequest if this node is
// primary for view 0.
func (s *SM) StartHeight(height uint32, prevHash types.U256, nextConsensus types.U160) (*Outbound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.height = height
	s.view = 0
	s.prevHash = prevHash
	s.nextConsensus = nextConsensus
	s.st = roundState{
		responses:   make(map[int]PrepareResponse),
		commits:     make(map[int]Commit),
		changeViews: make(map[int]ChangeView),
		phase:       Initial,
		viewStart:   s.cfg.NowMs(),
	}

	if !s.isPrimary() {
		s.st.phase = RequestReceived
		return nil, nil
	}
	return s.buildProposalLocked(prevHash, nextConsensus)
}

func (s *SM) buildProposalLocked(prevHash types.U256, nextConsensus types.U160) (*Outbound, error) {
	txs := s.cfg.Pool.TopByFee(s.cfg.MaxTxPerBlock)
	hashes := make([]types.U256, len(txs))
	for i := range txs {
		hashes[i] = txs[i].Hash(s.cfg.Hash256d)
	}
	hdr := types.BlockHeader{
		Version:       types.HeaderVersion,
		PrevHash:      prevHash,
		Index:         s.height,
		TimestampMs:   s.cfg.NowMs(),
		PrimaryIndex:  uint8(s.cfg.LocalIndex),
		NextConsensus: nextConsensus,
	}
	if s.cfg.MerkleRoot != nil {
		hdr.MerkleRoot = s.cfg.MerkleRoot(hashes)
	}
	req := &PrepareRequest{
		MsgHeader: MsgHeader{ValidatorIndex: uint8(s.cfg.LocalIndex), BlockIndex: s.height, View: s.view},
		Header:    hdr,
		TxHashes:  hashes,
		Nonce:     uint64(s.cfg.NowMs()),
	}
	s.st.proposal = req
	s.st.proposalHash = hdr.Hash(s.cfg.Hash256d)
	s.st.phase = RequestSending
	return &Outbound{PrepareRequest: req}, nil
}

func (s *SM) validateHeader(h MsgHeader) error {
	if h.BlockIndex != s.height {
		return fmt.Errorf("consensus: block_index %d != expected %d", h.BlockIndex, s.height)
	}
	if int(h.ValidatorIndex) >= s.n {
		return fmt.Errorf("consensus: validator_index %d out of range", h.ValidatorIndex)
	}
	return nil
}

// HandlePrepareRequest processes a proposal from the expected primary
// (backup role).
func (s *SM) HandlePrepareRequest(msg PrepareRequest) (*Outbound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateHeader(msg.MsgHeader); err != nil {
		return nil, err
	}
	if msg.View != s.view {
		return nil, fmt.Errorf("consensus: view %d != current %d", msg.View, s.view)
	}
	if Primary(s.height, s.view, s.n) != int(msg.ValidatorIndex) {
		return nil, fmt.Errorf("consensus: validator %d is not primary for (height=%d,view=%d)", msg.ValidatorIndex, s.height, s.view)
	}
	if s.st.proposal != nil {
		return nil, fmt.Errorf("consensus: duplicate PrepareRequest in this view")
	}

	proposal := msg
	s.st.proposal = &proposal
	s.st.proposalHash = proposal.Header.Hash(s.cfg.Hash256d)
	s.st.phase = ResponseSending

	resp := &PrepareResponse{
		MsgHeader:       MsgHeader{ValidatorIndex: uint8(s.cfg.LocalIndex), BlockIndex: s.height, View: s.view},
		PreparationHash: s.st.proposalHash,
	}
	return &Outbound{PrepareResponse: resp}, nil
}

// HandlePrepareResponse records a backup's response and, once M have
// been collected for the current proposal (counting the primary's own
// implicit response), signs and broadcasts a Commit.
func (s *SM) HandlePrepareResponse(msg PrepareResponse) (*Outbound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateHeader(msg.MsgHeader); err != nil {
		return nil, err
	}
	if msg.View != s.view {
		return nil, fmt.Errorf("consensus: view %d != current %d", msg.View, s.view)
	}
	if _, dup := s.st.responses[int(msg.ValidatorIndex)]; dup {
		return nil, fmt.Errorf("consensus: duplicate PrepareResponse from validator %d", msg.ValidatorIndex)
	}
	s.st.responses[int(msg.ValidatorIndex)] = msg

	if s.st.proposal == nil || msg.PreparationHash != s.st.proposalHash {
		return nil, nil // can't count towards quorum yet / on a different proposal
	}
	if s.countPrepareLocked() < s.m || s.st.phase >= CommitSending {
		return nil, nil
	}
	return s.commitLocked()
}

// countPrepareLocked counts the primary's own proposal plus every
// matching PrepareResponse collected for it.
func (s *SM) countPrepareLocked() int {
	if s.st.proposal == nil {
		return 0
	}
	n := 1 // the PrepareRequest itself counts as the primary's agreement
	for _, r := range s.st.responses {
		if r.PreparationHash == s.st.proposalHash {
			n++
		}
	}
	return n
}

func (s *SM) commitLocked() (*Outbound, error) {
	if s.st.committedHash != nil {
		return nil, fmt.Errorf("consensus: already committed this height")
	}
	sig, err := s.cfg.Signer.Sign(s.st.proposalHash[:])
	if err != nil {
		return nil, fmt.Errorf("consensus: sign commit: %w", err)
	}
	hash := s.st.proposalHash
	s.st.committedHash = &hash
	s.st.committedView = s.view
	s.commitLog[s.height] = hash
	s.st.phase = CommitSending

	c := &Outbound{Commit: &Commit{
		MsgHeader: MsgHeader{ValidatorIndex: uint8(s.cfg.LocalIndex), BlockIndex: s.height, View: s.view},
		Signature: sig,
	}}
	s.st.commits[s.cfg.LocalIndex] = *c.Commit
	return c, nil
}

// HandleCommit records a peer's Commit signature and, once M have been
// collected for the committed proposal, assembles and returns the
// final block. The caller is responsible
// for aggregating the collected signatures into the header witness.
func (s *SM) HandleCommit(msg Commit) (*types.Block, []Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateHeader(msg.MsgHeader); err != nil {
		return nil, nil, err
	}
	if _, dup := s.st.commits[int(msg.ValidatorIndex)]; dup {
		return nil, nil, fmt.Errorf("consensus: duplicate Commit from validator %d", msg.ValidatorIndex)
	}
	if s.cfg.Verifier != nil {
		ok, err := s.cfg.Verifier.Verify(int(msg.ValidatorIndex), s.st.proposalHash[:], msg.Signature)
		if err != nil || !ok {
			return nil, nil, fmt.Errorf("consensus: commit signature invalid for validator %d", msg.ValidatorIndex)
		}
	}
	s.st.commits[int(msg.ValidatorIndex)] = msg

	if len(s.st.commits) < s.m || s.st.proposal == nil {
		return nil, nil, nil
	}

	hdr := s.st.proposal.Header
	hdr.SetDirty()
	commits := make([]Commit, 0, len(s.st.commits))
	for _, c := range s.st.commits {
		commits = append(commits, c)
	}
	s.st.phase = BlockSent
	return &types.Block{Header: hdr}, commits, nil
}

// Timeout returns the current view's timeout duration:
// base_ms * 2^min(view, cap).
func (s *SM) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeoutLocked()
}

func (s *SM) timeoutLocked() time.Duration {
	shift := s.view
	if shift > s.cfg.ViewCap {
		shift = s.cfg.ViewCap
	}
	return time.Duration(s.cfg.BaseTimeoutMs<<shift) * time.Millisecond
}

// CheckTimeout returns a ChangeView to broadcast if the current view
// has run past its timeout, honoring commit safety: a node that has
// already committed for this height never initiates a view change. The
// vote is recorded locally as well, so this node's own voice counts
// towards the quorum HandleChangeView tallies; once cast for a view it
// is not re-emitted on later timer ticks.
func (s *SM) CheckTimeout() *Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.committedHash != nil {
		return nil
	}
	if s.st.phase == BlockSent {
		return nil
	}
	if s.cfg.NowMs()-s.st.viewStart < uint64(s.timeoutLocked().Milliseconds()) {
		return nil
	}
	if own, ok := s.st.changeViews[s.cfg.LocalIndex]; ok && own.NewView > s.view {
		return nil // already voted to leave this view
	}
	cv := ChangeView{
		MsgHeader:   MsgHeader{ValidatorIndex: uint8(s.cfg.LocalIndex), BlockIndex: s.height, View: s.view},
		NewView:     s.view + 1,
		Reason:      "timeout",
		TimestampMs: s.cfg.NowMs(),
	}
	s.st.changeViews[s.cfg.LocalIndex] = cv
	return &Outbound{ChangeView: &cv}
}

// HandleChangeView records a vote for new_view and, once M validators
// (including self, if it has also voted) target the same new_view,
// advances the round to it, clearing per-view state but preserving
// the commit log -- an already-broadcast Commit survives the view
// change. When the advance makes this node the new view's primary it
// returns the fresh PrepareRequest to broadcast; the happy path starts
// over at every view start, not only at height start.
func (s *SM) HandleChangeView(msg ChangeView) (*Outbound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.BlockIndex != s.height {
		return nil, fmt.Errorf("consensus: change_view for wrong height")
	}
	if int(msg.ValidatorIndex) >= s.n {
		return nil, fmt.Errorf("consensus: validator_index out of range")
	}
	if existing, ok := s.st.changeViews[int(msg.ValidatorIndex)]; ok && existing.NewView >= msg.NewView {
		return nil, nil // only a strictly higher new_view supersedes
	}
	s.st.changeViews[int(msg.ValidatorIndex)] = msg

	count := 0
	for _, cv := range s.st.changeViews {
		if cv.NewView == msg.NewView {
			count++
		}
	}
	if count < s.m {
		return nil, nil
	}
	return s.advanceViewLocked(msg.NewView)
}

func (s *SM) advanceViewLocked(newView uint8) (*Outbound, error) {
	if s.st.committedHash != nil {
		// A node that has committed keeps its commit state and phase;
		// it still tracks the new view number for message validation
		// but will not re-propose or re-prepare.
		s.view = newView
		return nil, nil
	}
	s.view = newView
	s.st.proposal = nil
	s.st.responses = make(map[int]PrepareResponse)
	s.st.commits = make(map[int]Commit)
	s.st.changeViews = make(map[int]ChangeView)
	s.st.viewStart = s.cfg.NowMs()
	if !s.isPrimary() {
		s.st.phase = RequestReceived
		return nil, nil
	}
	return s.buildProposalLocked(s.prevHash, s.nextConsensus)
}

// HandleRecovery replays the round state a peer sent in answer to our
// RecoveryRequest, re-delivering each contained message through the
// normal handlers so every validation and safety rule still applies.
// Individual message rejections are expected -- anything already seen,
// or from a conflicting view, simply doesn't advance state -- so they
// are swallowed rather than surfaced. Returns any messages of our own
// the replay provoked (a PrepareRequest if the replayed view change
// made us primary, a PrepareResponse, or a Commit), plus the finalized
// block and its commit set if the replayed commits reach quorum.
func (s *SM) HandleRecovery(msg RecoveryMessage) (outbound []*Outbound, block *types.Block, commits []Commit) {
	for _, cv := range msg.ChangeViews {
		if out, err := s.HandleChangeView(cv); err == nil && out != nil {
			outbound = append(outbound, out)
		}
	}
	if msg.PrepareRequest != nil {
		if out, err := s.HandlePrepareRequest(*msg.PrepareRequest); err == nil && out != nil {
			outbound = append(outbound, out)
		}
	}
	for _, resp := range msg.PrepareResponses {
		if out, err := s.HandlePrepareResponse(resp); err == nil && out != nil {
			outbound = append(outbound, out)
		}
	}
	for _, c := range msg.Commits {
		b, cs, err := s.HandleCommit(c)
		if err == nil && b != nil {
			block, commits = b, cs
		}
	}
	return outbound, block, commits
}

// BuildRecovery answers a RecoveryRequest with everything this node has
// collected for the current height.
func (s *SM) BuildRecovery(requesterIndex uint8) RecoveryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := RecoveryMessage{
		MsgHeader: MsgHeader{ValidatorIndex: uint8(s.cfg.LocalIndex), BlockIndex: s.height, View: s.view},
	}
	if s.st.proposal != nil {
		p := *s.st.proposal
		msg.PrepareRequest = &p
	}
	for _, r := range s.st.responses {
		msg.PrepareResponses = append(msg.PrepareResponses, r)
	}
	for _, c := range s.st.commits {
		msg.Commits = append(msg.Commits, c)
	}
	for _, cv := range s.st.changeViews {
		msg.ChangeViews = append(msg.ChangeViews, cv)
	}
	return msg
}
