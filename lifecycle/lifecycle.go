// Package lifecycle drives a tunnel's authentication handshake, keepalive
// exchange, and DISCONNECTED/AUTHSENT/AUTHOK/LOSSY state transitions
// (spec.md §2 "Lifecycle", §4.7), grounded on
// original_source/src/ubond.c's ubond_rtun_challenge_send,
// ubond_rtun_send_auth, ubond_rtun_check_lossy and ubond_rtun_check_timeout.
package lifecycle

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"ubond/packet"
	"ubond/tunnel"
	"ubond/wire"
)

// ProtocolVersion is sent in every AUTH/AUTH_OK challenge; a mismatch is
// fatal (spec.md §7 "Version mismatch").
const ProtocolVersion = uint16(2)

// IOTimeoutDefault is the base reconnect/keepalive cadence (original:
// UBOND_IO_TIMEOUT_DEFAULT, seconds).
const IOTimeoutDefault = 2 * time.Second

// IOTimeoutIncrement multiplies a tunnel's reconnect backoff on every
// failed connect tick (original: UBOND_IO_TIMEOUT_INCREMENT).
const IOTimeoutIncrement = 1.5

// IOTimeoutMaximum caps the reconnect backoff (original: UBOND_IO_TIMEOUT_MAXIMUM).
const IOTimeoutMaximum = 60 * time.Second

// ErrVersionMismatch is returned by HandleAuth when the peer's protocol
// version disagrees with ours; the caller must treat this as fatal
// (spec.md §7).
var ErrVersionMismatch = errors.New("lifecycle: protocol version mismatch")

// ErrBadPassword is returned by HandleAuth on a failed cleartext
// challenge; the caller should log and leave state unchanged, never fatal
// (spec.md §7 "Auth failure").
var ErrBadPassword = errors.New("lifecycle: auth challenge rejected")

// Hooks are the external script invocations fired on up/down transitions
// (spec.md §6 "Hooks"). Any of them may be nil.
type Hooks struct {
	RtunUp     func(name string)
	RtunDown   func(name string)
	TuntapUp   func()
	TuntapDown func()
}

func (h Hooks) rtunUp(name string) {
	if h.RtunUp != nil {
		h.RtunUp(name)
	}
}
func (h Hooks) rtunDown(name string) {
	if h.RtunDown != nil {
		h.RtunDown(name)
	}
}
func (h Hooks) tuntapUp() {
	if h.TuntapUp != nil {
		h.TuntapUp()
	}
}
func (h Hooks) tuntapDown() {
	if h.TuntapDown != nil {
		h.TuntapDown()
	}
}

// Queue is the destination for control packets this package emits (the
// tunnel's own high-priority buffer in the original).
type Queue interface {
	Push(pkt *packet.Packet)
}

// Peer is one managed tunnel's lifecycle-facing surface. *tunnel.Tunnel
// satisfies it directly.
type Peer interface {
	Name() string
	State() tunnel.State
	SetState(tunnel.State)
	IsFallbackOnly() bool
	IsQuota() bool
	Permitted() uint64
	SetPermitted(uint64)
	LastActivity() time.Time
	SRTTAverage() float64
	Loss() int
	ReleaseRing()
	MeasuredBandwidth() float64
	SetBandwidthOut(uint64)
}

// Manager tracks connect backoff per tunnel and runs the auth/keepalive
// state machine across the whole tunnel set (spec.md §4.7).
//
// Password is the cleartext shared secret (spec.md §1 non-goals: no
// confidentiality). ServerMode selects which side initiates AUTH vs waits
// and answers with AUTH_OK (original: t->server_mode).
type Manager struct {
	Password   string
	ServerMode bool
	Hooks      Hooks

	backoff map[string]time.Duration

	// nonces records bad-password attempts per tunnel name (one entry per
	// name, expiring after 30s), generalizing the teacher's per-source-IP
	// go-cache (controller/server.go's ipCache) into an auth-failure cache.
	// Nothing reads it back: repeated bad attempts are not throttled.
	nonces *cache.Cache

	everUp bool // whether any tunnel has ever reached AUTHOK (tuntap_up gate)
}

// New constructs a Manager. password is the shared cleartext secret;
// serverMode selects which side of the handshake this process plays.
func New(password string, serverMode bool, hooks Hooks) *Manager {
	return &Manager{
		Password:   password,
		ServerMode: serverMode,
		Hooks:      hooks,
		backoff:    make(map[string]time.Duration),
		nonces:     cache.New(30*time.Second, time.Minute),
	}
}

// ConnectTick runs the "every IO_TIMEOUT_DEFAULT/2" connect check for one
// tunnel (spec.md §4.7 "Connect tick"): a client sends a fresh AUTH
// challenge whenever DISCONNECTED or still AUTHSENT; a server only waits
// for one to arrive. The challenge, if any, is pushed onto q.
func (m *Manager) ConnectTick(p Peer, q Queue, pool *packet.Pool) {
	if m.ServerMode {
		return
	}
	switch p.State() {
	case tunnel.StateDisconnected, tunnel.StateAuthSent:
		m.sendChallenge(p, q, pool, wire.ChallengeAuth)
		p.SetState(tunnel.StateAuthSent)
	}
}

// Backoff returns and advances the reconnect backoff interval for a
// tunnel name (original: t->io_timeout.repeat *= UBOND_IO_TIMEOUT_INCREMENT,
// capped at UBOND_IO_TIMEOUT_MAXIMUM).
func (m *Manager) Backoff(name string) time.Duration {
	cur, ok := m.backoff[name]
	if !ok {
		cur = IOTimeoutDefault / 2
	}
	m.backoff[name] = cur
	next := time.Duration(float64(cur) * IOTimeoutIncrement)
	if next > IOTimeoutMaximum {
		next = IOTimeoutMaximum
	}
	m.backoff[name] = next
	return cur
}

// ResetBackoff clears a tunnel's accumulated reconnect backoff, called
// once it successfully reaches AUTHOK.
func (m *Manager) ResetBackoff(name string) {
	delete(m.backoff, name)
}

func (m *Manager) sendChallenge(p Peer, q Queue, pool *packet.Pool, kind wire.AuthKind) {
	pkt := pool.Get()
	pkt.Header.Type = wire.TypeAuth
	if kind == wire.ChallengeOK {
		pkt.Header.Type = wire.TypeAuthOK
	}

	permitted := uint64(0)
	if p.IsQuota() {
		permitted = p.Permitted()
	}
	buf := make([]byte, wire.AuthPayloadLen)
	a := wire.Auth{Kind: kind, Version: ProtocolVersion, Permitted: permitted, Password: m.Password}
	if _, err := wire.EncodeAuth(buf, &a); err != nil {
		pkt.Release()
		return
	}
	if err := pkt.SetPayload(buf); err != nil {
		pkt.Release()
		return
	}
	q.Push(pkt)
}

// HandleAuth processes an inbound AUTH or AUTH_OK challenge (spec.md §4.7
// "Auth OK", original's ubond_rtun_send_auth / the UBOND_PKT_AUTH* branch
// of ubond_rtun_read). On success it answers (server: AUTH_OK; client:
// nothing further), adopts the peer's quota per the max(local, remote)
// rule (spec.md §9 open question), marks AUTHOK, resets the reconnect
// backoff, and fires the up hooks. It does not reset the tunnel's RTT or
// loss counters, drop queued packets, or recompute scheduler weights. A
// version mismatch is returned as a fatal error; a bad password is
// recorded in nonces and returned as a non-fatal error.
func (m *Manager) HandleAuth(p Peer, q Queue, pool *packet.Pool, a wire.Auth) error {
	if a.Version != ProtocolVersion {
		return ErrVersionMismatch
	}
	if a.Password != m.Password {
		key := "badauth:" + p.Name()
		if _, hit := m.nonces.Get(key); !hit {
			m.nonces.Set(key, true, cache.DefaultExpiration)
		}
		return ErrBadPassword
	}

	if a.Permitted > 0 && a.Permitted > p.Permitted() {
		p.SetPermitted(a.Permitted)
	}

	wasUp := p.State() == tunnel.StateAuthOK || p.State() == tunnel.StateLossy
	if m.ServerMode && a.Kind == wire.ChallengeAuth {
		m.sendChallenge(p, q, pool, wire.ChallengeOK)
	}
	m.markAuthOK(p, wasUp)
	return nil
}

func (m *Manager) markAuthOK(p Peer, wasAlreadyUp bool) {
	p.SetState(tunnel.StateAuthOK)
	m.ResetBackoff(p.Name())
	if !wasAlreadyUp {
		m.Hooks.rtunUp(p.Name())
		if !m.everUp {
			m.everUp = true
			m.Hooks.tuntapUp()
		}
	}
}

// SendKeepalive emits a KEEPALIVE carrying this tunnel's measured inbound
// throughput, letting the peer estimate our receive capacity for its own
// §4.5 bandwidth_out comparison (spec.md §4.7 "Keepalive").
func (m *Manager) SendKeepalive(p Peer, q Queue, pool *packet.Pool) {
	pkt := pool.Get()
	pkt.Header.Type = wire.TypeKeepalive
	buf := make([]byte, wire.KeepaliveLen)
	measured := uint64(p.MeasuredBandwidth())
	if _, err := wire.EncodeKeepalive(buf, measured); err != nil {
		pkt.Release()
		return
	}
	if err := pkt.SetPayload(buf); err != nil {
		pkt.Release()
		return
	}
	q.Push(pkt)
}

// HandleKeepalive folds an inbound keepalive's advertised throughput into
// the tunnel's bandwidth_out figure (spec.md §4.5).
func (m *Manager) HandleKeepalive(p Peer, payload []byte) error {
	v, err := wire.DecodeKeepalive(payload)
	if err != nil {
		return err
	}
	p.SetBandwidthOut(v)
	return nil
}

// CheckLossy runs spec.md §4.7's "LOSSY transition" / recovery check for
// one tunnel (original: ubond_rtun_check_lossy). requestResend is invoked
// when the tunnel freshly enters LOSSY via the keepalive-silence path, to
// ask the peer for the last RingSize packets. Returns whether this
// tunnel's status changed (so the caller can re-run FallbackActive/
// Recompute, spec.md §4.7 "Fallback").
func (m *Manager) CheckLossy(p Peer, now time.Time, requestResend func()) (changed bool) {
	srttAvSec := p.SRTTAverage() / 1000.0
	last := p.LastActivity()
	keepaliveOK := last.IsZero() || now.Before(last.Add(IOTimeoutDefault*2+time.Duration(srttAvSec*2*float64(time.Second))))

	loss := p.Loss()

	switch {
	case !keepaliveOK && p.State() == tunnel.StateAuthOK:
		p.SetState(tunnel.StateLossy)
		if requestResend != nil {
			requestResend()
		}
		return true
	case loss >= tunnel.LossTolerance && p.State() == tunnel.StateAuthOK:
		// original logs this but leaves the LOSSY transition commented
		// out here; the sent_loss-driven path (tunnel.SetSentLoss via
		// resend.Handle) is what actually flips state on excess loss.
		return false
	case keepaliveOK && loss < tunnel.LossTolerance && p.State() == tunnel.StateLossy:
		p.SetState(tunnel.StateAuthOK)
		return true
	}
	return false
}

// CheckTimeout runs spec.md §4.7's "DISCONNECTED transition" check
// (original: ubond_rtun_check_timeout, the tail of ubond_rtun_check_lossy
// plus the LOSSY->DISCONNECTED escalation). onDown fires when the tunnel
// freshly transitions to DISCONNECTED, so the caller can drop sbuf/hpsbuf
// and request a full-ring resend on the survivors (spec.md §4.7).
func (m *Manager) CheckTimeout(p Peer, now time.Time, timeout time.Duration, onDown func()) (changed bool) {
	if p.State() != tunnel.StateLossy {
		return false
	}
	last := p.LastActivity()
	if last.IsZero() {
		return false
	}
	srttAvSec := p.SRTTAverage() / 1000.0
	deadline := last.Add(timeout + IOTimeoutDefault*2 + time.Duration(srttAvSec*2*float64(time.Second)))
	if now.Before(deadline) {
		return false
	}

	p.SetState(tunnel.StateDisconnected)
	p.ReleaseRing()
	m.Hooks.rtunDown(p.Name())
	if onDown != nil {
		onDown()
	}
	return true
}

// FallbackMode reports spec.md §4.7's fallback computation: normal mode
// if any AUTHOK/LOSSY tunnel has IsFallbackOnly()==false, else fallback
// mode (original: the fallback_mode recompute in ubond_update_status).
func FallbackMode(peers []Peer) bool {
	for _, p := range peers {
		st := p.State()
		if (st == tunnel.StateAuthOK || st == tunnel.StateLossy) && !p.IsFallbackOnly() {
			return false
		}
	}
	return true
}

// NotifyRtunDown fires the down hook for a tunnel that dropped for a reason
// the caller detected itself rather than through CheckTimeout (a
// peer-originated DISCONNECT, spec.md §4.7), since CheckTimeout's own path
// already fires rtunDown internally and must not be called twice for one
// transition.
func (m *Manager) NotifyRtunDown(name string) {
	m.Hooks.rtunDown(name)
}

// AllDown reports whether every tunnel in peers is below AUTHOK, used to
// decide whether tuntap_down should fire (spec.md §4.7 "if the last
// tunnel, run tuntap_down").
func AllDown(peers []Peer) bool {
	for _, p := range peers {
		if p.State() == tunnel.StateAuthOK || p.State() == tunnel.StateLossy {
			return false
		}
	}
	return true
}

// TuntapDown fires the tuntap_down hook and resets the "ever up" latch so
// a later reconnect fires tuntap_up again.
func (m *Manager) TuntapDown() {
	m.everUp = false
	m.Hooks.tuntapDown()
}

// Shutdown emits a DISCONNECT on every AUTHOK/LOSSY tunnel (spec.md §5
// "Cancellation": graceful shutdown broadcasts DISCONNECT before the loop
// breaks).
func (m *Manager) Shutdown(peers []Peer, q Queue, pool *packet.Pool) {
	for _, p := range peers {
		if p.State() != tunnel.StateAuthOK && p.State() != tunnel.StateLossy {
			continue
		}
		pkt := pool.Get()
		pkt.Header.Type = wire.TypeDisconnect
		q.Push(pkt)
	}
}

// ResetQuotas sets every quota tunnel's permitted budget back to zero so
// the next bandwidth tick starts crediting from scratch. The daemon's
// SIGUSR1 handler does not call it; main's resetAllQuotas handles that
// signal.
func ResetQuotas(peers []Peer) {
	for _, p := range peers {
		if p.IsQuota() {
			p.SetPermitted(0)
		}
	}
}
