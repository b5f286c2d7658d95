// Package peer implements the Peer Table: the directory of
// known/connecting/ready/banned remote nodes, independent of whatever
// transport carries their bytes. It owns connection-admission policy
// (per-IP and total connection caps, retry backoff, banning, inbound
// rate limiting) so internal/p2p can stay a thin wire-protocol layer
// on top of it.
package peer

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a peer's connection lifecycle state.
type Status uint8

const (
	Disconnected Status = iota
	Connecting
	Handshaking
	Ready
	Failed
	Banned
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// Info is one Peer Table entry.
type Info struct {
	Address   string
	IP        string
	Port      uint16
	Status    Status
	Version   uint32
	UserAgent string
	Height    uint32
	LastSeen  time.Time

	// SessionID identifies this connection attempt for log correlation
	// across the handshake/ready/disconnect lifecycle; it is reassigned
	// on every new BeginConnect, unlike Address which is stable.
	SessionID string

	FailedAttempts int
	Reputation     int
	Inbound        bool
	LatencyMs      int64
	BytesSent      uint64
	BytesRecv      uint64
	BannedUntil    time.Time
	Permanent      bool
}

// Config bounds the Table's admission policy.
type Config struct {
	MaxConnsPerIP int
	MaxTotalConns int
	MaxAttempts   int
	BanDuration   time.Duration
	RetryBackoff  func(failedAttempts int) time.Duration
	InboundPerSec int // token-bucket refill rate for inbound connections
	InboundBurst  int
	Now           func() time.Time
}

func defaultRetryBackoff(failedAttempts int) time.Duration {
	d := time.Second * time.Duration(1<<uint(failedAttempts))
	if max := 10 * time.Minute; d > max {
		d = max
	}
	return d
}

// Table is the concurrency-safe Peer Table. Reads (Ready, lookups)
// are far more frequent than writes (connect/disconnect/ban), so a
// single RWMutex over the map is sufficient for this read-heavy
// workload.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*Info // keyed by "ip:port"
	ipCnt map[string]int   // ready+connecting count per IP

	cfg Config

	bucketMu     sync.Mutex
	bucketTokens float64
	bucketStamp  time.Time
}

var (
	ErrBanned        = errors.New("peer: address is banned")
	ErrTooManyPerIP  = errors.New("peer: MAX_CONNS_PER_IP reached")
	ErrTooManyTotal  = errors.New("peer: MAX_TOTAL_CONNS reached")
	ErrBackoff       = errors.New("peer: retry backoff not yet elapsed")
	ErrMaxAttempts   = errors.New("peer: MAX_ATTEMPTS exceeded")
	ErrRateLimited   = errors.New("peer: inbound rate limit exceeded")
	ErrAlreadyDialed = errors.New("peer: connection to this (ip,port) already active")
)

// New constructs a Table, filling unset Config fields with the protocol defaults.
func New(cfg Config) *Table {
	if cfg.MaxConnsPerIP <= 0 {
		cfg.MaxConnsPerIP = 3
	}
	if cfg.MaxTotalConns <= 0 {
		cfg.MaxTotalConns = 125
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = time.Hour
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.InboundPerSec <= 0 {
		cfg.InboundPerSec = 10
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = cfg.InboundPerSec * 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Table{
		peers:        make(map[string]*Info),
		ipCnt:        make(map[string]int),
		cfg:          cfg,
		bucketTokens: float64(cfg.InboundBurst),
		bucketStamp:  cfg.Now(),
	}
}

func splitHostPort(address string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return address, 0
	}
	p, _ := strconv.ParseUint(portStr, 10, 16)
	return host, uint16(p)
}

// AllowInbound consumes one token from the inbound token bucket,
// refilling it at cfg.InboundPerSec tokens/second. Excess connections
// must be dropped by the caller before handshake.
func (t *Table) AllowInbound() bool {
	t.bucketMu.Lock()
	defer t.bucketMu.Unlock()
	now := t.cfg.Now()
	elapsed := now.Sub(t.bucketStamp).Seconds()
	t.bucketStamp = now
	t.bucketTokens += elapsed * float64(t.cfg.InboundPerSec)
	if max := float64(t.cfg.InboundBurst); t.bucketTokens > max {
		t.bucketTokens = max
	}
	if t.bucketTokens < 1 {
		return false
	}
	t.bucketTokens--
	return true
}

// CanDial reports whether address may be newly connected to, applying
// the ban, per-IP, total-connection, and retry-backoff policies in
// that order.
func (t *Table) CanDial(address string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ip, _ := splitHostPort(address)
	now := t.cfg.Now()

	if info, ok := t.peers[address]; ok {
		if info.Status == Banned {
			if info.Permanent || now.Before(info.BannedUntil) {
				return ErrBanned
			}
		}
		if info.Status == Connecting || info.Status == Handshaking || info.Status == Ready {
			return ErrAlreadyDialed
		}
		if info.FailedAttempts >= t.cfg.MaxAttempts {
			return ErrMaxAttempts
		}
		if now.Before(info.LastSeen.Add(t.cfg.RetryBackoff(info.FailedAttempts))) {
			return ErrBackoff
		}
	}
	if t.ipCnt[ip] >= t.cfg.MaxConnsPerIP {
		return ErrTooManyPerIP
	}
	if len(t.peers) >= t.cfg.MaxTotalConns {
		total := 0
		for _, p := range t.peers {
			if p.Status == Ready || p.Status == Connecting || p.Status == Handshaking {
				total++
			}
		}
		if total >= t.cfg.MaxTotalConns {
			return ErrTooManyTotal
		}
	}
	return nil
}

// BeginConnect records a new outbound or inbound attempt, transitioning
// the entry to Connecting. Returns the resulting Info.
func (t *Table) BeginConnect(address string, inbound bool) (*Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.canDialLocked(address); err != nil {
		return nil, err
	}
	ip, port := splitHostPort(address)
	info, ok := t.peers[address]
	if !ok {
		info = &Info{Address: address, IP: ip, Port: port}
		t.peers[address] = info
	}
	info.Status = Connecting
	info.Inbound = inbound
	info.LastSeen = t.cfg.Now()
	info.SessionID = uuid.New().String()
	t.ipCnt[ip]++
	cp := *info
	return &cp, nil
}

func (t *Table) canDialLocked(address string) error {
	ip, _ := splitHostPort(address)
	now := t.cfg.Now()
	if info, ok := t.peers[address]; ok {
		if info.Status == Banned {
			if info.Permanent || now.Before(info.BannedUntil) {
				return ErrBanned
			}
		}
		if info.Status == Connecting || info.Status == Handshaking || info.Status == Ready {
			return ErrAlreadyDialed
		}
		if info.FailedAttempts >= t.cfg.MaxAttempts {
			return ErrMaxAttempts
		}
		if now.Before(info.LastSeen.Add(t.cfg.RetryBackoff(info.FailedAttempts))) {
			return ErrBackoff
		}
	}
	if t.ipCnt[ip] >= t.cfg.MaxConnsPerIP {
		return ErrTooManyPerIP
	}
	if len(t.peers) >= t.cfg.MaxTotalConns {
		total := 0
		for _, p := range t.peers {
			if p.Status == Ready || p.Status == Connecting || p.Status == Handshaking {
				total++
			}
		}
		if total >= t.cfg.MaxTotalConns {
			return ErrTooManyTotal
		}
	}
	return nil
}

// MarkHandshaking advances address from Connecting to Handshaking.
func (t *Table) MarkHandshaking(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.peers[address]; ok {
		info.Status = Handshaking
	}
}

// MarkReady advances address to Ready after a completed Version/Verack
// handshake, recording the peer's advertised fields.
func (t *Table) MarkReady(address string, version uint32, userAgent string, height uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.peers[address]
	if !ok {
		return
	}
	info.Status = Ready
	info.Version = version
	info.UserAgent = userAgent
	info.Height = height
	info.FailedAttempts = 0
	info.LastSeen = t.cfg.Now()
}

// UpdateHeight records a peer's latest reported chain height, used by
// the Sync Manager to compute best_known_height.
func (t *Table) UpdateHeight(address string, height uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.peers[address]; ok {
		info.Height = height
		info.LastSeen = t.cfg.Now()
	}
}

// UpdateLatency records a round-trip Ping/Pong latency sample.
func (t *Table) UpdateLatency(address string, latencyMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.peers[address]; ok {
		info.LatencyMs = latencyMs
	}
}

// AddBytes accounts bytes transferred in each direction.
func (t *Table) AddBytes(address string, sent, recv uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.peers[address]; ok {
		info.BytesSent += sent
		info.BytesRecv += recv
	}
}

// BanReputation is the reputation floor below which a peer earns a
// temporary ban. Individual offenses (timed-out requests, invalid
// blocks, failed-witness relays) only decrement; a first offense never
// bans on its own.
const BanReputation = -5

// Penalize decrements address's reputation by one and bans it for
// cfg.BanDuration once the reputation crosses BanReputation. Used for
// timed-out in-flight requests and invalid data served.
// Returns true if the penalty resulted in a ban.
func (t *Table) Penalize(address string, reason string) bool {
	t.mu.Lock()
	info, ok := t.peers[address]
	if !ok {
		t.mu.Unlock()
		return false
	}
	info.Reputation--
	banned := info.Reputation <= BanReputation
	t.mu.Unlock()
	if banned {
		t.Ban(address, false)
	}
	return banned
}

// Disconnect releases address's connection slot and marks it
// Disconnected (or Failed if the disconnect followed an error),
// incrementing failed_attempts in the Failed case.
func (t *Table) Disconnect(address string, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.peers[address]
	if !ok {
		return
	}
	wasActive := info.Status == Ready || info.Status == Connecting || info.Status == Handshaking
	if wasActive {
		if cnt := t.ipCnt[info.IP]; cnt > 0 {
			t.ipCnt[info.IP] = cnt - 1
		}
	}
	info.LastSeen = t.cfg.Now()
	if failed {
		info.Status = Failed
		info.FailedAttempts++
	} else {
		info.Status = Disconnected
	}
}

// Ban moves address to Banned, either for cfg.BanDuration (explicit
// protocol violation) or permanently (gross violation), and releases
// its connection slot. Banned peers bypass all retry logic.
func (t *Table) Ban(address string, permanent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ip, port := splitHostPort(address)
	info, ok := t.peers[address]
	if !ok {
		info = &Info{Address: address, IP: ip, Port: port}
		t.peers[address] = info
	} else if info.Status == Ready || info.Status == Connecting || info.Status == Handshaking {
		if cnt := t.ipCnt[info.IP]; cnt > 0 {
			t.ipCnt[info.IP] = cnt - 1
		}
	}
	info.Status = Banned
	info.Permanent = permanent
	if !permanent {
		info.BannedUntil = t.cfg.Now().Add(t.cfg.BanDuration)
	}
}

// IsBanned reports whether address is currently under an active ban.
func (t *Table) IsBanned(address string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.peers[address]
	if !ok || info.Status != Banned {
		return false
	}
	return info.Permanent || t.cfg.Now().Before(info.BannedUntil)
}

// Get returns a copy of address's current Info.
func (t *Table) Get(address string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.peers[address]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Ready returns a snapshot of every peer currently in the Ready state.
func (t *Table) Ready() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.peers))
	for _, info := range t.peers {
		if info.Status == Ready {
			out = append(out, *info)
		}
	}
	return out
}

// BestKnownHeight returns the maximum height reported by any Ready
// peer, the value the Sync Manager drives current_height towards.
func (t *Table) BestKnownHeight() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best uint32
	for _, info := range t.peers {
		if info.Status == Ready && info.Height > best {
			best = info.Height
		}
	}
	return best
}

// FastestReady returns the Ready peer with the lowest observed latency,
// the peer the Sync Manager prefers for header requests.
func (t *Table) FastestReady() (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *Info
	for _, info := range t.peers {
		if info.Status != Ready {
			continue
		}
		if best == nil || info.LatencyMs < best.LatencyMs {
			best = info
		}
	}
	if best == nil {
		return Info{}, false
	}
	return *best, true
}

// Len returns the number of tracked addresses, ready or not.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
