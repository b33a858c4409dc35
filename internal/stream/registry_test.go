package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"liveshow/orchestrator/internal/domain"
	"liveshow/orchestrator/internal/peertest"
)

// mockRecoverer counts recovery requests and runs an optional script.
type mockRecoverer struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) error
}

func (m *mockRecoverer) RecoverStream(ctx context.Context, id string) error {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(call)
	}
	return nil
}

func (m *mockRecoverer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recorder collects the streams delivered to a consumer.
type recorder struct {
	mu  sync.Mutex
	got []domain.MediaStream
}

func (r *recorder) consume(s domain.MediaStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, s)
}

func (r *recorder) all() []domain.MediaStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.MediaStream(nil), r.got...)
}

func newTestRegistry(t *testing.T, rec Recoverer, onLost func(string)) *Registry {
	return New(Options{
		CheckInterval:  time.Hour,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		OnLost:         onLost,
	}, rec, zaptest.NewLogger(t))
}

func kill(s *peertest.Stream) {
	for _, tr := range s.List {
		tr.Kill()
	}
}

func TestRegister_ReplacementStopsOldTracks(t *testing.T) {
	r := newTestRegistry(t, &mockRecoverer{}, nil)
	first := peertest.NewStream("s1")
	second := peertest.NewStream("s2")

	r.Register("host", first)
	r.Register("host", second)

	for _, tr := range first.List {
		if !tr.Stopped() {
			t.Errorf("expected old track %s stopped", tr.ID())
		}
	}
	for _, tr := range second.List {
		if tr.Stopped() {
			t.Errorf("expected new track %s running", tr.ID())
		}
	}
	if got, _ := r.Get("host"); got != domain.MediaStream(second) {
		t.Error("expected the new stream to be bound")
	}
}

func TestRegister_SameStreamNotifiesOnce(t *testing.T) {
	r := newTestRegistry(t, &mockRecoverer{}, nil)
	rec := &recorder{}
	r.OnAvailable("host", rec.consume)

	s := peertest.NewStream("s1")
	r.Register("host", s)
	r.Register("host", s)

	if got := rec.all(); len(got) != 1 {
		t.Errorf("expected 1 notification, got %d", len(got))
	}
	for _, tr := range s.List {
		if tr.Stopped() {
			t.Error("expected re-registration to leave tracks running")
		}
	}
}

func TestRegister_NilIgnored(t *testing.T) {
	r := newTestRegistry(t, &mockRecoverer{}, nil)
	rec := &recorder{}
	r.OnAvailable("host", rec.consume)

	r.Register("host", nil)

	if len(rec.all()) != 0 {
		t.Error("expected no notification for a nil stream")
	}
	if _, ok := r.Get("host"); ok {
		t.Error("expected no binding for a nil stream")
	}
}

func TestOnAvailable_ImmediateAndLater(t *testing.T) {
	r := newTestRegistry(t, &mockRecoverer{}, nil)
	s := peertest.NewStream("s1")
	r.Register("host", s)

	early := &recorder{}
	r.OnAvailable("host", early.consume)
	if got := early.all(); len(got) != 1 || got[0] != domain.MediaStream(s) {
		t.Fatalf("expected synchronous callback with bound stream, got %v", got)
	}

	late := &recorder{}
	cancel := r.OnAvailable("p9", late.consume)
	if len(late.all()) != 0 {
		t.Fatal("expected no callback before registration")
	}
	r.Register("p9", peertest.NewStream("s9"))
	if len(late.all()) != 1 {
		t.Fatal("expected queued consumer to be notified")
	}

	cancel()
	cancel()
	r.Register("p9", peertest.NewStream("s10"))
	if len(late.all()) != 1 {
		t.Error("expected cancelled consumer to stay quiet")
	}
}

func TestOnAvailable_NoMissedNotification(t *testing.T) {
	r := newTestRegistry(t, &mockRecoverer{}, nil)
	final := peertest.NewStream("final")

	var recs []*recorder
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		rec := &recorder{}
		recs = append(recs, rec)
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.OnAvailable("host", rec.consume)
		}()
		go func(i int) {
			defer wg.Done()
			r.Register("host", peertest.NewStream(fmt.Sprintf("s%d", i)))
		}(i)
	}
	wg.Wait()
	r.Register("host", final)

	for i, rec := range recs {
		got := rec.all()
		if len(got) == 0 || got[len(got)-1] != domain.MediaStream(final) {
			t.Errorf("consumer %d missed the final stream", i)
		}
	}
}

func TestCheck_RecoversRevivedStream(t *testing.T) {
	s := peertest.NewStream("s1")
	recov := &mockRecoverer{fn: func(call int) error {
		if call == 2 {
			for _, tr := range s.List {
				tr.Revive()
			}
		}
		return nil
	}}
	lost := 0
	r := newTestRegistry(t, recov, func(string) { lost++ })
	rec := &recorder{}
	r.OnAvailable("host", rec.consume)
	r.Register("host", s)

	kill(s)
	r.Check(context.Background())
	r.wg.Wait()

	if recov.count() != 2 {
		t.Errorf("expected 2 recovery requests, got %d", recov.count())
	}
	if lost != 0 {
		t.Error("expected stream to be kept")
	}
	if got, ok := r.Get("host"); !ok || got != domain.MediaStream(s) {
		t.Error("expected binding to survive recovery")
	}
	if len(rec.all()) != 1 {
		t.Errorf("expected no extra notifications, got %d", len(rec.all()))
	}
}

func TestCheck_GivesUpAfterThreeAttempts(t *testing.T) {
	s := peertest.NewStream("s1")
	recov := &mockRecoverer{fn: func(int) error { return domain.ErrNoStream }}
	var lost []string
	r := newTestRegistry(t, recov, func(id string) { lost = append(lost, id) })
	rec := &recorder{}
	r.OnAvailable("host", rec.consume)
	r.Register("host", s)

	kill(s)
	r.Check(context.Background())
	r.wg.Wait()

	if recov.count() != 3 {
		t.Errorf("expected 3 attempts, got %d", recov.count())
	}
	got := rec.all()
	if len(got) != 2 || got[1] != nil {
		t.Fatalf("expected loss notification, got %v", got)
	}
	if _, ok := r.Get("host"); ok {
		t.Error("expected binding removed")
	}
	if len(lost) != 1 || lost[0] != "host" {
		t.Errorf("expected OnLost for host, got %v", lost)
	}

	// Consumers stay subscribed for the next stream.
	next := peertest.NewStream("s2")
	r.Register("host", next)
	if got := rec.all(); got[len(got)-1] != domain.MediaStream(next) {
		t.Error("expected consumer to receive the replacement stream")
	}
}

func TestCheck_ClosedConnectionGivesUpImmediately(t *testing.T) {
	s := peertest.NewStream("s1")
	recov := &mockRecoverer{fn: func(int) error { return fmt.Errorf("host: %w", domain.ErrClosed) }}
	r := newTestRegistry(t, recov, nil)
	r.Register("host", s)

	kill(s)
	r.Check(context.Background())
	r.wg.Wait()

	if recov.count() != 1 {
		t.Errorf("expected a single attempt, got %d", recov.count())
	}
	if _, ok := r.Get("host"); ok {
		t.Error("expected binding removed")
	}
}

func TestCheck_SkipsHealthyStreams(t *testing.T) {
	recov := &mockRecoverer{fn: func(int) error { return errors.New("unexpected") }}
	r := newTestRegistry(t, recov, nil)
	r.Register("host", peertest.NewStream("s1"))

	r.Check(context.Background())
	r.wg.Wait()

	if recov.count() != 0 {
		t.Errorf("expected no recovery, got %d", recov.count())
	}
}

func TestRemove_StopsTracksAndClearsConsumers(t *testing.T) {
	r := newTestRegistry(t, &mockRecoverer{}, nil)
	s := peertest.NewStream("s1")
	rec := &recorder{}
	r.OnAvailable("host", rec.consume)
	r.Register("host", s)

	r.Remove("host")
	r.Register("host", peertest.NewStream("s2"))

	for _, tr := range s.List {
		if !tr.Stopped() {
			t.Error("expected tracks stopped on remove")
		}
	}
	if len(rec.all()) != 1 {
		t.Error("expected consumers cleared by remove")
	}
}

func TestUnbind_ReportsLossAndKeepsConsumers(t *testing.T) {
	lost := 0
	r := newTestRegistry(t, &mockRecoverer{}, func(string) { lost++ })
	s1 := peertest.NewStream("s1")
	rec := &recorder{}
	r.OnAvailable("host", rec.consume)
	r.Register("host", s1)

	r.Unbind("host")
	r.Unbind("host")

	for _, tr := range s1.List {
		if !tr.Stopped() {
			t.Error("expected tracks stopped on unbind")
		}
	}
	if _, ok := r.Get("host"); ok {
		t.Error("expected the stream unbound")
	}

	s2 := peertest.NewStream("s2")
	r.Register("host", s2)

	got := rec.all()
	if len(got) != 3 || got[0] != s1 || got[1] != nil || got[2] != s2 {
		t.Fatalf("expected s1, nil, s2, got %v", got)
	}
	if lost != 0 {
		t.Errorf("expected OnLost reserved for recovery give-up, got %d calls", lost)
	}
}

func TestUnbindAll(t *testing.T) {
	r := newTestRegistry(t, &mockRecoverer{}, nil)
	recA, recB := &recorder{}, &recorder{}
	r.OnAvailable("a", recA.consume)
	r.OnAvailable("b", recB.consume)
	r.Register("a", peertest.NewStream("sa"))
	r.Register("b", peertest.NewStream("sb"))

	r.UnbindAll()

	for name, rec := range map[string]*recorder{"a": recA, "b": recB} {
		got := rec.all()
		if len(got) != 2 || got[1] != nil {
			t.Errorf("%s: expected a loss notification, got %v", name, got)
		}
	}
}
