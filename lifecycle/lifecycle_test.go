package lifecycle

import (
	"testing"
	"time"

	"ubond/packet"
	"ubond/tunnel"
	"ubond/wire"
)

type nopSender struct{}

func (nopSender) SendTo(b []byte) (int, error) { return len(b), nil }

type fakeQueue struct {
	pushed []*packet.Packet
}

func (q *fakeQueue) Push(pkt *packet.Packet) { q.pushed = append(q.pushed, pkt) }

func newTunnel(name string) *tunnel.Tunnel {
	return tunnel.New(name, 1, nopSender{}, 1000, false, false)
}

func TestConnectTickClientSendsChallengeAndMarksAuthSent(t *testing.T) {
	pool := packet.NewPool()
	q := &fakeQueue{}
	m := New("secret", false, Hooks{})
	tun := newTunnel("t0")

	m.ConnectTick(tun, q, pool)

	if tun.State() != tunnel.StateAuthSent {
		t.Errorf("state = %v, want AUTHSENT", tun.State())
	}
	if len(q.pushed) != 1 {
		t.Fatalf("pushed %d packets, want 1", len(q.pushed))
	}
	if q.pushed[0].Header.Type != wire.TypeAuth {
		t.Errorf("packet type = %v, want AUTH", q.pushed[0].Header.Type)
	}
	a, err := wire.DecodeAuth(q.pushed[0].Payload())
	if err != nil {
		t.Fatalf("DecodeAuth: %v", err)
	}
	if a.Kind != wire.ChallengeAuth || a.Password != "secret" || a.Version != ProtocolVersion {
		t.Errorf("decoded auth = %+v", a)
	}
}

func TestConnectTickServerNeverInitiates(t *testing.T) {
	pool := packet.NewPool()
	q := &fakeQueue{}
	m := New("secret", true, Hooks{})
	tun := newTunnel("t0")

	m.ConnectTick(tun, q, pool)

	if len(q.pushed) != 0 {
		t.Error("server mode must not send a challenge from ConnectTick")
	}
	if tun.State() != tunnel.StateDisconnected {
		t.Errorf("state = %v, want unchanged DISCONNECTED", tun.State())
	}
}

func TestHandleAuthRejectsVersionMismatch(t *testing.T) {
	pool := packet.NewPool()
	q := &fakeQueue{}
	m := New("secret", true, Hooks{})
	tun := newTunnel("t0")

	err := m.HandleAuth(tun, q, pool, wire.Auth{Kind: wire.ChallengeAuth, Version: ProtocolVersion + 1, Password: "secret"})
	if err != ErrVersionMismatch {
		t.Errorf("err = %v, want ErrVersionMismatch", err)
	}
}

func TestHandleAuthRejectsBadPasswordWithoutStateChange(t *testing.T) {
	pool := packet.NewPool()
	q := &fakeQueue{}
	m := New("secret", true, Hooks{})
	tun := newTunnel("t0")

	err := m.HandleAuth(tun, q, pool, wire.Auth{Kind: wire.ChallengeAuth, Version: ProtocolVersion, Password: "wrong"})
	if err != ErrBadPassword {
		t.Errorf("err = %v, want ErrBadPassword", err)
	}
	if tun.State() != tunnel.StateDisconnected {
		t.Errorf("state = %v, want unchanged DISCONNECTED", tun.State())
	}
}

func TestHandleAuthServerAnswersAndMarksUpFiringHooksOnce(t *testing.T) {
	pool := packet.NewPool()
	q := &fakeQueue{}
	var rtunUps, tuntapUps int
	hooks := Hooks{
		RtunUp:   func(string) { rtunUps++ },
		TuntapUp: func() { tuntapUps++ },
	}
	m := New("secret", true, hooks)
	tun := newTunnel("t0")

	err := m.HandleAuth(tun, q, pool, wire.Auth{Kind: wire.ChallengeAuth, Version: ProtocolVersion, Password: "secret"})
	if err != nil {
		t.Fatalf("HandleAuth: %v", err)
	}
	if tun.State() != tunnel.StateAuthOK {
		t.Errorf("state = %v, want AUTHOK", tun.State())
	}
	if len(q.pushed) != 1 || q.pushed[0].Header.Type != wire.TypeAuthOK {
		t.Fatalf("server should answer with a single AUTH_OK packet, got %+v", q.pushed)
	}
	if rtunUps != 1 || tuntapUps != 1 {
		t.Errorf("rtunUps=%d tuntapUps=%d, want 1,1", rtunUps, tuntapUps)
	}

	// A second AUTH_OK exchange (e.g. a retried client challenge) must not
	// re-fire the up hooks.
	_ = m.HandleAuth(tun, q, pool, wire.Auth{Kind: wire.ChallengeAuth, Version: ProtocolVersion, Password: "secret"})
	if rtunUps != 1 || tuntapUps != 1 {
		t.Errorf("hooks re-fired on an already-up tunnel: rtunUps=%d tuntapUps=%d", rtunUps, tuntapUps)
	}
}

func TestHandleAuthAdoptsHigherRemotePermitted(t *testing.T) {
	pool := packet.NewPool()
	q := &fakeQueue{}
	m := New("secret", true, Hooks{})
	tun := newTunnel("t0")
	tun.SetPermitted(500)

	_ = m.HandleAuth(tun, q, pool, wire.Auth{Kind: wire.ChallengeAuth, Version: ProtocolVersion, Password: "secret", Permitted: 900})
	if tun.Permitted() != 900 {
		t.Errorf("Permitted() = %d, want 900 (max(local, remote))", tun.Permitted())
	}

	tun2 := newTunnel("t1")
	tun2.SetPermitted(1500)
	_ = m.HandleAuth(tun2, q, pool, wire.Auth{Kind: wire.ChallengeAuth, Version: ProtocolVersion, Password: "secret", Permitted: 900})
	if tun2.Permitted() != 1500 {
		t.Errorf("Permitted() = %d, want 1500 (local already higher)", tun2.Permitted())
	}
}

func TestSendKeepaliveEncodesMeasuredBandwidth(t *testing.T) {
	pool := packet.NewPool()
	q := &fakeQueue{}
	m := New("secret", true, Hooks{})
	tun := newTunnel("t0")
	tun.OnReceive(&wire.Header{TunSeq: 0})
	tun.RecordReceivedBytes(1280)
	tun.DrainMeasuredBandwidth(10) // 1280/128*10 = 100 kbit/s

	m.SendKeepalive(tun, q, pool)
	if len(q.pushed) != 1 || q.pushed[0].Header.Type != wire.TypeKeepalive {
		t.Fatalf("expected one KEEPALIVE packet, got %+v", q.pushed)
	}
	v, err := wire.DecodeKeepalive(q.pushed[0].Payload())
	if err != nil {
		t.Fatalf("DecodeKeepalive: %v", err)
	}
	if v != 100 {
		t.Errorf("keepalive value = %d, want 100", v)
	}
}

func TestHandleKeepaliveSetsBandwidthOut(t *testing.T) {
	m := New("secret", true, Hooks{})
	tun := newTunnel("t0")
	buf := make([]byte, wire.KeepaliveLen)
	_, _ = wire.EncodeKeepalive(buf, 4200)
	if err := m.HandleKeepalive(tun, buf); err != nil {
		t.Fatalf("HandleKeepalive: %v", err)
	}
	if tun.BandwidthOut() != 4200 {
		t.Errorf("BandwidthOut() = %d, want 4200", tun.BandwidthOut())
	}
}

func TestCheckLossyEntersLossyOnSilenceAndRequestsResend(t *testing.T) {
	m := New("secret", true, Hooks{})
	tun := newTunnel("t0")
	tun.SetState(tunnel.StateAuthOK)

	requested := false
	now := time.Now().Add(IOTimeoutDefault*2 + time.Hour)
	changed := m.CheckLossy(tun, now, func() { requested = true })

	if !changed || tun.State() != tunnel.StateLossy {
		t.Errorf("expected transition to LOSSY, state=%v changed=%v", tun.State(), changed)
	}
	if !requested {
		t.Error("expected a full-ring resend request on LOSSY entry")
	}
}

func TestCheckLossyRecoversWhenActivityResumes(t *testing.T) {
	m := New("secret", true, Hooks{})
	tun := newTunnel("t0")
	tun.SetState(tunnel.StateLossy)

	changed := m.CheckLossy(tun, time.Now(), nil)
	if !changed || tun.State() != tunnel.StateAuthOK {
		t.Errorf("expected recovery to AUTHOK, state=%v changed=%v", tun.State(), changed)
	}
}

func TestCheckTimeoutDisconnectsLossyTunnelPastDeadline(t *testing.T) {
	var rtunDowns int
	m := New("secret", true, Hooks{RtunDown: func(string) { rtunDowns++ }})
	tun := newTunnel("t0")
	tun.SetState(tunnel.StateLossy)

	onDownCalled := false
	future := time.Now().Add(time.Hour * 24)
	changed := m.CheckTimeout(tun, future, time.Second, func() { onDownCalled = true })

	if !changed || tun.State() != tunnel.StateDisconnected {
		t.Errorf("expected DISCONNECTED, state=%v changed=%v", tun.State(), changed)
	}
	if !onDownCalled {
		t.Error("expected onDown callback to fire")
	}
	if rtunDowns != 1 {
		t.Errorf("rtunDowns = %d, want 1", rtunDowns)
	}
}

func TestCheckTimeoutNoopBeforeDeadline(t *testing.T) {
	m := New("secret", true, Hooks{})
	tun := newTunnel("t0")
	tun.SetState(tunnel.StateLossy)

	changed := m.CheckTimeout(tun, time.Now(), time.Hour, nil)
	if changed || tun.State() != tunnel.StateLossy {
		t.Errorf("expected no change before deadline, state=%v changed=%v", tun.State(), changed)
	}
}

func TestFallbackModeTrueOnlyWhenNoPrimaryIsUp(t *testing.T) {
	primary := newTunnel("primary")
	primary.SetState(tunnel.StateLossy)
	fallback := tunnel.New("fb", 2, nopSender{}, 1000, true, false)
	fallback.SetState(tunnel.StateAuthOK)

	if FallbackMode([]Peer{primary, fallback}) {
		t.Error("a LOSSY (still usable) primary tunnel should keep the bond in normal mode")
	}

	primary.SetState(tunnel.StateDisconnected)
	if !FallbackMode([]Peer{primary, fallback}) {
		t.Error("with every primary down, the bond should report fallback mode")
	}
}

func TestAllDownAndTuntapDown(t *testing.T) {
	tun := newTunnel("t0")
	if !AllDown([]Peer{tun}) {
		t.Error("a DISCONNECTED-only set should report AllDown")
	}
	tun.SetState(tunnel.StateAuthOK)
	if AllDown([]Peer{tun}) {
		t.Error("an AUTHOK tunnel should not report AllDown")
	}
}

func TestResetQuotasOnlyTouchesQuotaTunnels(t *testing.T) {
	quota := tunnel.New("q", 1, nopSender{}, 1000, false, true)
	quota.SetPermitted(500)
	plain := newTunnel("p")
	plain.SetPermitted(500)

	ResetQuotas([]Peer{quota, plain})

	if quota.Permitted() != 0 {
		t.Errorf("quota tunnel Permitted() = %d, want 0", quota.Permitted())
	}
	if plain.Permitted() != 500 {
		t.Errorf("non-quota tunnel Permitted() should be untouched, got %d", plain.Permitted())
	}
}

func TestShutdownBroadcastsDisconnectOnlyToUpTunnels(t *testing.T) {
	pool := packet.NewPool()
	q := &fakeQueue{}
	m := New("secret", true, Hooks{})
	up := newTunnel("up")
	up.SetState(tunnel.StateAuthOK)
	down := newTunnel("down")

	m.Shutdown([]Peer{up, down}, q, pool)

	if len(q.pushed) != 1 || q.pushed[0].Header.Type != wire.TypeDisconnect {
		t.Fatalf("expected exactly one DISCONNECT packet, got %+v", q.pushed)
	}
}
