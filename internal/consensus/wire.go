package consensus

import (
	"crypto/sha256"
	"fmt"

	"github.com/n3toric/corenode/internal/types"
)

// PayloadKind tags a consensus message on the wire so the receiver can
// pick the right decoder before touching the body.
type PayloadKind uint8

const (
	KindPrepareRequest PayloadKind = iota
	KindPrepareResponse
	KindChangeView
	KindCommit
	KindRecoveryRequest
	KindRecoveryMessage
)

func (k PayloadKind) String() string {
	switch k {
	case KindPrepareRequest:
		return "prepare_request"
	case KindPrepareResponse:
		return "prepare_response"
	case KindChangeView:
		return "change_view"
	case KindCommit:
		return "commit"
	case KindRecoveryRequest:
		return "recovery_request"
	case KindRecoveryMessage:
		return "recovery_message"
	default:
		return "unknown"
	}
}

const maxRecoveryEntries = 256

func (h MsgHeader) encodeTo(w *types.Writer) {
	w.U8(h.ValidatorIndex)
	w.U32(h.BlockIndex)
	w.U8(h.View)
}

func decodeMsgHeader(r *types.Reader) MsgHeader {
	return MsgHeader{ValidatorIndex: r.U8(), BlockIndex: r.U32(), View: r.U8()}
}

// Encode serializes the PrepareRequest body: envelope header, unsigned
// block header, tx hash list, nonce.
func (m PrepareRequest) Encode() []byte {
	w := types.NewWriter()
	m.MsgHeader.encodeTo(w)
	w.VarBytes(m.Header.EncodeHeader())
	w.VarUint(uint64(len(m.TxHashes)))
	for _, h := range m.TxHashes {
		w.Bytes32(h)
	}
	w.U64(m.Nonce)
	return w.Bytes()
}

func DecodePrepareRequest(b []byte) (PrepareRequest, error) {
	r := types.NewReader(b)
	m := PrepareRequest{MsgHeader: decodeMsgHeader(r)}
	raw := r.VarBytesMax(1 << 20)
	if r.Err() != nil {
		return PrepareRequest{}, r.Err()
	}
	hdr, err := types.DecodeHeader(raw)
	if err != nil {
		return PrepareRequest{}, fmt.Errorf("consensus: decode proposal header: %w", err)
	}
	m.Header = *hdr
	n := r.VarUint()
	if n > uint64(types.MaxTransactionsPerBlock) {
		return PrepareRequest{}, fmt.Errorf("consensus: proposal lists %d tx hashes, max %d", n, types.MaxTransactionsPerBlock)
	}
	m.TxHashes = make([]types.U256, n)
	for i := range m.TxHashes {
		m.TxHashes[i] = r.Bytes32()
	}
	m.Nonce = r.U64()
	return m, r.Err()
}

func (m PrepareResponse) Encode() []byte {
	w := types.NewWriter()
	m.MsgHeader.encodeTo(w)
	w.Bytes32(m.PreparationHash)
	return w.Bytes()
}

func DecodePrepareResponse(b []byte) (PrepareResponse, error) {
	r := types.NewReader(b)
	m := PrepareResponse{MsgHeader: decodeMsgHeader(r), PreparationHash: r.Bytes32()}
	return m, r.Err()
}

func (m ChangeView) Encode() []byte {
	w := types.NewWriter()
	m.MsgHeader.encodeTo(w)
	w.U8(m.NewView)
	w.VarBytes([]byte(m.Reason))
	w.U64(m.TimestampMs)
	return w.Bytes()
}

func DecodeChangeView(b []byte) (ChangeView, error) {
	r := types.NewReader(b)
	m := ChangeView{MsgHeader: decodeMsgHeader(r), NewView: r.U8()}
	m.Reason = string(r.VarBytesMax(128))
	m.TimestampMs = r.U64()
	return m, r.Err()
}

func (m Commit) Encode() []byte {
	w := types.NewWriter()
	m.MsgHeader.encodeTo(w)
	w.VarBytes(m.Signature)
	return w.Bytes()
}

func DecodeCommit(b []byte) (Commit, error) {
	r := types.NewReader(b)
	m := Commit{MsgHeader: decodeMsgHeader(r)}
	m.Signature = r.VarBytesMax(128)
	return m, r.Err()
}

func (m RecoveryRequest) Encode() []byte {
	w := types.NewWriter()
	m.MsgHeader.encodeTo(w)
	return w.Bytes()
}

func DecodeRecoveryRequest(b []byte) (RecoveryRequest, error) {
	r := types.NewReader(b)
	m := RecoveryRequest{MsgHeader: decodeMsgHeader(r)}
	return m, r.Err()
}

func (m RecoveryMessage) Encode() []byte {
	w := types.NewWriter()
	m.MsgHeader.encodeTo(w)
	if m.PrepareRequest != nil {
		w.Bool(true)
		w.VarBytes(m.PrepareRequest.Encode())
	} else {
		w.Bool(false)
	}
	w.VarUint(uint64(len(m.PrepareResponses)))
	for _, r := range m.PrepareResponses {
		w.VarBytes(r.Encode())
	}
	w.VarUint(uint64(len(m.ChangeViews)))
	for _, cv := range m.ChangeViews {
		w.VarBytes(cv.Encode())
	}
	w.VarUint(uint64(len(m.Commits)))
	for _, c := range m.Commits {
		w.VarBytes(c.Encode())
	}
	return w.Bytes()
}

func DecodeRecoveryMessage(b []byte) (RecoveryMessage, error) {
	r := types.NewReader(b)
	m := RecoveryMessage{MsgHeader: decodeMsgHeader(r)}
	if r.Bool() {
		raw := r.VarBytesMax(1 << 21)
		if r.Err() != nil {
			return RecoveryMessage{}, r.Err()
		}
		req, err := DecodePrepareRequest(raw)
		if err != nil {
			return RecoveryMessage{}, err
		}
		m.PrepareRequest = &req
	}
	n := r.VarUint()
	if n > maxRecoveryEntries {
		return RecoveryMessage{}, fmt.Errorf("consensus: recovery carries %d responses", n)
	}
	m.PrepareResponses = make([]PrepareResponse, n)
	for i := range m.PrepareResponses {
		resp, err := DecodePrepareResponse(r.VarBytesMax(256))
		if err != nil {
			return RecoveryMessage{}, err
		}
		m.PrepareResponses[i] = resp
	}
	n = r.VarUint()
	if n > maxRecoveryEntries {
		return RecoveryMessage{}, fmt.Errorf("consensus: recovery carries %d change_views", n)
	}
	m.ChangeViews = make([]ChangeView, n)
	for i := range m.ChangeViews {
		cv, err := DecodeChangeView(r.VarBytesMax(512))
		if err != nil {
			return RecoveryMessage{}, err
		}
		m.ChangeViews[i] = cv
	}
	n = r.VarUint()
	if n > maxRecoveryEntries {
		return RecoveryMessage{}, fmt.Errorf("consensus: recovery carries %d commits", n)
	}
	m.Commits = make([]Commit, n)
	for i := range m.Commits {
		c, err := DecodeCommit(r.VarBytesMax(256))
		if err != nil {
			return RecoveryMessage{}, err
		}
		m.Commits[i] = c
	}
	return m, r.Err()
}

// Envelope is the signed wrapper every consensus payload travels in: the
// signature covers the SHA-256 digest of kind||data and is checked against the claimed
// validator's key before any state-machine handler runs.
type Envelope struct {
	Kind      PayloadKind
	Data      []byte
	Signature []byte
}

// Seal signs the SHA-256 digest of kind||data with signer and wraps both
// into an Envelope.
func Seal(kind PayloadKind, data []byte, signer Signer) (Envelope, error) {
	sig, err := signer.Sign(envelopeDigest(kind, data))
	if err != nil {
		return Envelope{}, fmt.Errorf("consensus: sign %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Data: data, Signature: sig}, nil
}

func envelopeDigest(kind PayloadKind, data []byte) []byte {
	out := make([]byte, 0, 1+len(data))
	out = append(out, byte(kind))
	out = append(out, data...)
	sum := sha256.Sum256(out)
	return sum[:]
}

func (e Envelope) Encode() []byte {
	w := types.NewWriter()
	w.U8(uint8(e.Kind))
	w.VarBytes(e.Data)
	w.VarBytes(e.Signature)
	return w.Bytes()
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	r := types.NewReader(b)
	e := Envelope{Kind: PayloadKind(r.U8())}
	e.Data = r.VarBytesMax(1 << 22)
	e.Signature = r.VarBytesMax(128)
	return e, r.Err()
}

// PeekValidatorIndex reads the validator index off an encoded payload
// body without fully decoding it; every body starts with its MsgHeader.
func PeekValidatorIndex(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("consensus: empty payload body")
	}
	return data[0], nil
}

// Verify checks the envelope signature against the claimed validator's
// key via v, returning the validator index the envelope speaks for.
func (e Envelope) Verify(v Verifier) (int, error) {
	idx, err := PeekValidatorIndex(e.Data)
	if err != nil {
		return 0, err
	}
	ok, err := v.Verify(int(idx), envelopeDigest(e.Kind, e.Data), e.Signature)
	if err != nil {
		return 0, fmt.Errorf("consensus: verify %s envelope: %w", e.Kind, err)
	}
	if !ok {
		return 0, fmt.Errorf("consensus: %s envelope signature invalid for validator %d", e.Kind, idx)
	}
	return int(idx), nil
}

// EncodeOutbound seals o's single populated message into a wire envelope.
// Block outbounds are not consensus payloads (they broadcast as a Block
// message) and return an error.
func EncodeOutbound(o *Outbound, signer Signer) (Envelope, error) {
	switch {
	case o.PrepareRequest != nil:
		return Seal(KindPrepareRequest, o.PrepareRequest.Encode(), signer)
	case o.PrepareResponse != nil:
		return Seal(KindPrepareResponse, o.PrepareResponse.Encode(), signer)
	case o.ChangeView != nil:
		return Seal(KindChangeView, o.ChangeView.Encode(), signer)
	case o.Commit != nil:
		return Seal(KindCommit, o.Commit.Encode(), signer)
	default:
		return Envelope{}, fmt.Errorf("consensus: outbound carries no consensus payload")
	}
}
