package handshake

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"liveshow/orchestrator/internal/domain"
	"liveshow/orchestrator/internal/peertest"
	"liveshow/orchestrator/internal/registry"
)

// mockSender records outgoing signaling messages.
type mockSender struct {
	mu   sync.Mutex
	sent []domain.SignalingMessage
	err  error
}

func (m *mockSender) Send(msg domain.SignalingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

func (m *mockSender) byKind(kind domain.MessageKind) []domain.SignalingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SignalingMessage
	for _, msg := range m.sent {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

type roomGate struct {
	once sync.Once
	ch   chan struct{}
}

func newRoomGate(confirmed bool) *roomGate {
	g := &roomGate{ch: make(chan struct{})}
	if confirmed {
		g.confirm()
	}
	return g
}

func (g *roomGate) RoomConfirmed() <-chan struct{} { return g.ch }
func (g *roomGate) confirm()                       { g.once.Do(func() { close(g.ch) }) }

type blockedGate struct{ err error }

func (g blockedGate) Allow() error { return g.err }

type fixture struct {
	seq      *Sequencer
	factory  *peertest.Factory
	registry *registry.Registry
	sender   *mockSender
	room     *roomGate

	mu       sync.Mutex
	failures []error
	done     []string
}

func newFixture(t *testing.T, selfID string, confirmed bool, tweak func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		factory: &peertest.Factory{},
		sender:  &mockSender{},
		room:    newRoomGate(confirmed),
	}
	f.registry = registry.New(f.factory, nil, zaptest.NewLogger(t))
	opts := Options{
		SelfID:         selfID,
		SelfRole:       domain.RoleParticipant,
		RoomID:         "room-1",
		HostID:         "host",
		ConfirmTimeout: time.Second,
		AnswerTimeout:  time.Second,
		OnFailure: func(id string, err error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.failures = append(f.failures, err)
		},
		OnNegotiated: func(id string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.done = append(f.done, id)
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.seq = New(opts, f.registry, f.sender, f.room, nil, zaptest.NewLogger(t))
	return f
}

func (f *fixture) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

func (f *fixture) negotiated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.done...)
}

func offerFrom(from, to string) domain.SignalingMessage {
	return domain.SignalingMessage{
		Kind:   domain.KindOffer,
		FromID: from,
		ToID:   to,
		RoomID: "room-1",
		SDP:    &domain.SDPPayload{Type: "offer", SDP: "v=0\r\ns=remote"},
	}
}

func TestInitiate_SingleOfferWhenCalledTwice(t *testing.T) {
	f := newFixture(t, "p1", false, nil)

	errc := make(chan error, 1)
	go func() { errc <- f.seq.Initiate(context.Background(), "host") }()

	// Wait for the first call to park on the room gate.
	deadline := time.Now().Add(time.Second)
	for f.seq.State("host") != StateAwaitingRoomConfirmation {
		if time.Now().After(deadline) {
			t.Fatal("first initiate never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.seq.Initiate(context.Background(), "host"); err != nil {
		t.Fatalf("second Initiate: %v", err)
	}
	f.room.confirm()
	if err := <-errc; err != nil {
		t.Fatalf("first Initiate: %v", err)
	}

	if got := len(f.sender.byKind(domain.KindOffer)); got != 1 {
		t.Errorf("expected exactly 1 offer, got %d", got)
	}
	if f.factory.Created() != 1 {
		t.Errorf("expected 1 connection, got %d", f.factory.Created())
	}
	if got := f.seq.State("host"); got != StateAwaitingAnswer {
		t.Errorf("expected awaiting-answer, got %s", got)
	}
}

func TestInitiate_WaitsForRoomConfirmation(t *testing.T) {
	f := newFixture(t, "p1", false, nil)

	errc := make(chan error, 1)
	go func() { errc <- f.seq.Initiate(context.Background(), "host") }()

	time.Sleep(50 * time.Millisecond)
	if len(f.sender.byKind(domain.KindOffer)) != 0 {
		t.Fatal("expected no offer before room confirmation")
	}

	f.room.confirm()
	if err := <-errc; err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	offers := f.sender.byKind(domain.KindOffer)
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	msg := offers[0]
	if msg.FromID != "p1" || msg.ToID != "host" || msg.RoomID != "room-1" || msg.SDP == nil {
		t.Errorf("unexpected offer %+v", msg)
	}
}

func TestInitiate_ConfirmationTimeoutTearsDown(t *testing.T) {
	f := newFixture(t, "p1", false, func(o *Options) { o.ConfirmTimeout = 30 * time.Millisecond })

	err := f.seq.Initiate(context.Background(), "host")
	if !errors.Is(err, domain.ErrJoinTimeout) {
		t.Fatalf("expected join timeout, got %v", err)
	}
	if f.registry.Len() != 0 {
		t.Error("expected no connection left behind")
	}
	if f.failureCount() != 1 {
		t.Errorf("expected 1 failure report, got %d", f.failureCount())
	}
	if got := f.seq.State("host"); got != StateFailed {
		t.Errorf("expected failed, got %s", got)
	}
}

func TestInitiate_RejectedWhileBreakerOpen(t *testing.T) {
	f := newFixture(t, "p1", true, nil)
	f.seq.gate = blockedGate{err: &domain.BreakerOpenError{RetryIn: 3 * time.Second}}

	err := f.seq.Initiate(context.Background(), "host")
	var open *domain.BreakerOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected breaker error, got %v", err)
	}
	if f.factory.Created() != 0 {
		t.Error("expected no connection while breaker is open")
	}
}

func TestInitiate_OfferFailureRemovesConnection(t *testing.T) {
	f := newFixture(t, "p1", true, nil)

	// Script the connection to fail once created.
	if _, err := f.registry.GetOrCreate("host"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	f.factory.Last("host").OfferErr = errors.New("no codecs")

	err := f.seq.Initiate(context.Background(), "host")
	if !errors.Is(err, domain.ErrNegotiation) {
		t.Fatalf("expected negotiation error, got %v", err)
	}
	if !f.factory.Last("host").Closed() {
		t.Error("expected connection to be torn down")
	}
}

func TestHandleAnswer_CompletesHandshake(t *testing.T) {
	f := newFixture(t, "p1", true, nil)

	if err := f.seq.Initiate(context.Background(), "host"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	answer := domain.SignalingMessage{
		Kind:   domain.KindAnswer,
		FromID: "host",
		ToID:   "p1",
		RoomID: "room-1",
		SDP:    &domain.SDPPayload{Type: "answer", SDP: "v=0\r\ns=answer"},
	}
	if err := f.seq.HandleAnswer(answer); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}

	if got := f.seq.State("host"); got != StateConnected {
		t.Errorf("expected connected, got %s", got)
	}
	remote := f.factory.Last("host").RemoteDescriptions()
	if len(remote) != 1 || remote[0].Type != "answer" {
		t.Errorf("unexpected remote descriptions %+v", remote)
	}
	if got := f.negotiated(); len(got) != 1 || got[0] != "host" {
		t.Errorf("expected negotiated callback for host, got %v", got)
	}

	// A second answer is out of order.
	if err := f.seq.HandleAnswer(answer); !errors.Is(err, domain.ErrProtocol) {
		t.Errorf("expected protocol error for duplicate answer, got %v", err)
	}
}

func TestHandleAnswer_UnknownParticipantDropped(t *testing.T) {
	f := newFixture(t, "p1", true, nil)

	err := f.seq.HandleAnswer(domain.SignalingMessage{
		Kind:   domain.KindAnswer,
		FromID: "stranger",
		RoomID: "room-1",
		SDP:    &domain.SDPPayload{Type: "answer", SDP: "v=0"},
	})
	if !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if f.registry.Len() != 0 || f.failureCount() != 0 {
		t.Error("expected unknown answer to have no side effects")
	}
}

func TestHandleICECandidate_ToleratesAddFailure(t *testing.T) {
	f := newFixture(t, "p1", true, nil)

	if err := f.seq.Initiate(context.Background(), "host"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	conn := f.factory.Last("host")
	conn.CandidateErr = errors.New("malformed candidate")

	err := f.seq.HandleICECandidate(domain.SignalingMessage{
		Kind:      domain.KindICE,
		FromID:    "host",
		RoomID:    "room-1",
		Candidate: &domain.ICECandidatePayload{Candidate: "candidate:bogus"},
	})
	if err != nil {
		t.Fatalf("expected failure to be tolerated, got %v", err)
	}
	if got := f.seq.State("host"); got != StateAwaitingAnswer {
		t.Errorf("expected handshake unaffected, got %s", got)
	}
	if conn.Closed() {
		t.Error("expected connection kept")
	}
}

func TestAnswerTimeout_FailsAndTearsDown(t *testing.T) {
	f := newFixture(t, "p1", true, func(o *Options) { o.AnswerTimeout = 30 * time.Millisecond })

	if err := f.seq.Initiate(context.Background(), "host"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for f.failureCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("answer timeout never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.mu.Lock()
	err := f.failures[0]
	f.mu.Unlock()
	if !errors.Is(err, domain.ErrAnswerTimeout) {
		t.Errorf("expected answer timeout, got %v", err)
	}
	if !f.factory.Last("host").Closed() {
		t.Error("expected connection closed after answer timeout")
	}
}

func TestHandleOffer_AnswersOnNewConnection(t *testing.T) {
	f := newFixture(t, "host", true, func(o *Options) { o.SelfRole = domain.RoleHost })

	if err := f.seq.HandleOffer(context.Background(), offerFrom("p1", "host")); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	answers := f.sender.byKind(domain.KindAnswer)
	if len(answers) != 1 || answers[0].ToID != "p1" || answers[0].FromID != "host" {
		t.Fatalf("unexpected answers %+v", answers)
	}
	conn := f.factory.Last("p1")
	if attached, stream := conn.Attached(); !attached || stream != nil {
		t.Error("expected receive-only attach before answering")
	}
	if got := f.seq.State("p1"); got != StateConnected {
		t.Errorf("expected connected, got %s", got)
	}
}

func offerWithFingerprint(from, fp string) domain.SignalingMessage {
	msg := offerFrom(from, "host")
	msg.SDP = &domain.SDPPayload{Type: "offer", SDP: "v=0\r\ns=remote\r\na=fingerprint:sha-256 " + fp + "\r\n"}
	return msg
}

func TestHandleOffer_NewFingerprintReplacesConnection(t *testing.T) {
	f := newFixture(t, "host", true, func(o *Options) { o.SelfRole = domain.RoleHost })

	if err := f.seq.HandleOffer(context.Background(), offerWithFingerprint("p1", "AA:BB")); err != nil {
		t.Fatalf("first HandleOffer: %v", err)
	}
	first := f.factory.Last("p1")

	// ICE restart from the same remote keeps the connection.
	if err := f.seq.HandleOffer(context.Background(), offerWithFingerprint("p1", "aa:bb")); err != nil {
		t.Fatalf("restart HandleOffer: %v", err)
	}
	if f.factory.Created() != 1 || first.Closed() {
		t.Fatalf("expected the connection to be reused, created %d", f.factory.Created())
	}

	// The remote reloaded and offers with new DTLS credentials.
	if err := f.seq.HandleOffer(context.Background(), offerWithFingerprint("p1", "CC:DD")); err != nil {
		t.Fatalf("fresh HandleOffer: %v", err)
	}
	if f.factory.Created() != 2 || !first.Closed() {
		t.Fatalf("expected a new connection, created %d, old closed %v", f.factory.Created(), first.Closed())
	}
	second := f.factory.Last("p1")
	if remote := second.RemoteDescriptions(); len(remote) != 1 || !strings.Contains(remote[0].SDP, "CC:DD") {
		t.Errorf("expected the fresh offer on the new connection, got %+v", remote)
	}
	if got := len(f.sender.byKind(domain.KindAnswer)); got != 3 {
		t.Errorf("expected 3 answers, got %d", got)
	}
	if got := f.seq.State("p1"); got != StateConnected {
		t.Errorf("expected connected, got %s", got)
	}
}

func TestFingerprint(t *testing.T) {
	cases := map[string]string{
		"v=0\r\ns=x":                                   "",
		"v=0\r\na=fingerprint:sha-256 AB:CD\r\n":       "sha-256 ab:cd",
		"v=0\na=fingerprint:sha-1 01\na=fingerprint:x": "sha-1 01",
	}
	for sdp, want := range cases {
		if got := fingerprint(sdp); got != want {
			t.Errorf("fingerprint(%q) = %q, want %q", sdp, got, want)
		}
	}
}

func TestSendCandidate_HeldUntilOfferSent(t *testing.T) {
	f := newFixture(t, "p1", false, nil)

	errc := make(chan error, 1)
	go func() { errc <- f.seq.Initiate(context.Background(), "host") }()
	deadline := time.Now().Add(time.Second)
	for f.seq.State("host") != StateAwaitingRoomConfirmation {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for room confirmation state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.seq.SendCandidate("host", domain.ICECandidatePayload{Candidate: "c1"})
	f.seq.SendCandidate("host", domain.ICECandidatePayload{Candidate: "c2"})
	if got := len(f.sender.byKind(domain.KindICE)); got != 0 {
		t.Fatalf("expected candidates held before the offer, %d sent", got)
	}

	f.room.confirm()
	if err := <-errc; err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	f.seq.SendCandidate("host", domain.ICECandidatePayload{Candidate: "c3"})

	f.sender.mu.Lock()
	sent := append([]domain.SignalingMessage(nil), f.sender.sent...)
	f.sender.mu.Unlock()
	if len(sent) != 4 || sent[0].Kind != domain.KindOffer {
		t.Fatalf("expected offer then 3 candidates, got %+v", sent)
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if msg := sent[i+1]; msg.Kind != domain.KindICE || msg.Candidate.Candidate != want || msg.ToID != "host" {
			t.Errorf("message %d: got %+v", i+1, msg)
		}
	}
}

func TestHandleOffer_DropsOtherRoom(t *testing.T) {
	f := newFixture(t, "host", true, nil)

	msg := offerFrom("p1", "host")
	msg.RoomID = "room-2"
	if err := f.seq.HandleOffer(context.Background(), msg); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if f.factory.Created() != 0 {
		t.Error("expected no connection for another room")
	}
}

// Both sides offer at once; the lower id keeps its offer in either delivery order.
func TestGlare_LowerIDKeepsOffer(t *testing.T) {
	for _, order := range []string{"alice-first", "bob-first"} {
		t.Run(order, func(t *testing.T) {
			alice := newFixture(t, "alice", true, nil)
			bob := newFixture(t, "bob", true, nil)

			if err := alice.seq.Initiate(context.Background(), "bob"); err != nil {
				t.Fatalf("alice Initiate: %v", err)
			}
			if err := bob.seq.Initiate(context.Background(), "alice"); err != nil {
				t.Fatalf("bob Initiate: %v", err)
			}
			aliceOffer := alice.sender.byKind(domain.KindOffer)[0]
			bobOffer := bob.sender.byKind(domain.KindOffer)[0]

			deliver := []func() error{
				func() error { return bob.seq.HandleOffer(context.Background(), aliceOffer) },
				func() error { return alice.seq.HandleOffer(context.Background(), bobOffer) },
			}
			if order == "bob-first" {
				deliver[0], deliver[1] = deliver[1], deliver[0]
			}
			for i, d := range deliver {
				if err := d(); err != nil {
					t.Fatalf("HandleOffer %d: %v", i, err)
				}
			}

			if got := len(alice.sender.byKind(domain.KindAnswer)); got != 0 {
				t.Errorf("expected alice to keep her offer, sent %d answers", got)
			}
			bobAnswers := bob.sender.byKind(domain.KindAnswer)
			if len(bobAnswers) != 1 {
				t.Fatalf("expected bob to answer once, got %d", len(bobAnswers))
			}
			if bob.factory.Created() != 2 || !bob.factory.Conns("alice")[0].Closed() {
				t.Error("expected bob to discard his offering connection")
			}

			if err := alice.seq.HandleAnswer(bobAnswers[0]); err != nil {
				t.Fatalf("alice HandleAnswer: %v", err)
			}
			if alice.seq.State("bob") != StateConnected || bob.seq.State("alice") != StateConnected {
				t.Errorf("expected both connected, got alice=%s bob=%s",
					alice.seq.State("bob"), bob.seq.State("alice"))
			}
		})
	}
}

func TestRestart_RenegotiatesWithICERestart(t *testing.T) {
	f := newFixture(t, "p1", true, nil)

	if err := f.seq.Initiate(context.Background(), "host"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	f.seq.Reset("host")

	if err := f.seq.Restart(context.Background(), "host"); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	offers := f.factory.Last("host").Offers()
	if len(offers) != 2 || !offers[1].ICERestart {
		t.Errorf("expected second offer with ICE restart, got %+v", offers)
	}
	if f.factory.Created() != 1 {
		t.Errorf("expected the existing connection to be reused, got %d", f.factory.Created())
	}
	e, _ := f.registry.Get("host")
	if e.Snapshot().RecoveryAttempts != 1 {
		t.Error("expected restart to be counted")
	}
}

func TestRestart_WithoutConnectionInitiates(t *testing.T) {
	f := newFixture(t, "p1", true, nil)

	if err := f.seq.Restart(context.Background(), "host"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	offers := f.factory.Last("host").Offers()
	if len(offers) != 1 || offers[0].ICERestart {
		t.Errorf("expected a plain offer, got %+v", offers)
	}
}

func TestShouldInitiate(t *testing.T) {
	cases := []struct {
		name      string
		role      domain.Role
		initiator domain.Role
		remote    string
		want      bool
	}{
		{"participant to host", domain.RoleParticipant, domain.RoleParticipant, "host", true},
		{"participant to participant", domain.RoleParticipant, domain.RoleParticipant, "p2", false},
		{"host waits", domain.RoleHost, domain.RoleParticipant, "p1", false},
		{"host initiates", domain.RoleHost, domain.RoleHost, "p1", true},
		{"participant waits for host", domain.RoleParticipant, domain.RoleHost, "host", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seq := New(Options{
				SelfID:    "self",
				SelfRole:  tc.role,
				HostID:    "host",
				Initiator: tc.initiator,
			}, nil, nil, nil, nil, nil)
			if got := seq.ShouldInitiate(tc.remote); got != tc.want {
				t.Errorf("ShouldInitiate(%s) = %v, want %v", tc.remote, got, tc.want)
			}
		})
	}
}

func TestDispose_RejectsFurtherCalls(t *testing.T) {
	f := newFixture(t, "p1", true, nil)

	f.seq.Dispose()
	if err := f.seq.Initiate(context.Background(), "host"); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
}
