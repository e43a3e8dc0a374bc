// v0
// internal/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/dispatch"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/filter"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/scale"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/users"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	got  []dispatch.Measurement
	seen chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{seen: make(chan struct{}, 16)}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, m dispatch.Measurement) dispatch.Report {
	d.mu.Lock()
	d.got = append(d.got, m)
	d.mu.Unlock()
	d.seen <- struct{}{}
	return dispatch.Report{}
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

func testProfiles(t *testing.T) []users.Profile {
	t.Helper()
	b1, err := users.ParseBirthdate("15-06-1984")
	if err != nil {
		t.Fatalf("birthdate: %v", err)
	}
	b2, err := users.ParseBirthdate("02-11-1990")
	if err != nil {
		t.Fatalf("birthdate: %v", err)
	}
	return []users.Profile{
		{Email: "him@example.com", Sex: bodycomp.Male, HeightCm: 180, Birthdate: b1, MinWeight: 70.01, MaxWeight: 95},
		{Email: "her@example.com", Sex: bodycomp.Female, HeightCm: 165, Birthdate: b2, MinWeight: 45, MaxWeight: 70},
	}
}

func newTestPipeline(t *testing.T, d Dispatcher) *Pipeline {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(Config{Session: filter.DefaultSessionConfig()}, scale.NewDecoder(""), users.NewResolver(testProfiles(t), log), d, log)
	n := 0
	p.newID = func() string {
		n++
		return fmt.Sprintf("m-%d", n)
	}
	return p
}

func payload(weight float64, impedance int) []byte {
	return []byte(fmt.Sprintf(`{"id":"C8:47:8C:00:00:01","model_id":"XMTZC05HM","weighing_mode":"person","unit":"kg","weight":%v,"impedance":%d}`, weight, impedance))
}

func msgAt(at time.Time, body []byte) Message {
	return Message{Topic: "home/OMG_ESP32_BLE/BTtoMQTT/C8478C000001", Payload: body, Received: at}
}

func TestProcessExactDuplicateDispatchesOnce(t *testing.T) {
	d := newRecordingDispatcher()
	p := newTestPipeline(t, d)
	t0 := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)

	first := p.Process(context.Background(), msgAt(t0, payload(82.4, 510)))
	second := p.Process(context.Background(), msgAt(t0.Add(2*time.Minute), payload(82.4, 510)))

	if first != OutcomeDispatched || second != OutcomeDuplicate {
		t.Fatalf("expected dispatched then duplicate, got %s then %s", first, second)
	}
	if d.count() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", d.count())
	}
	got := d.got[0]
	if got.Identity() != "him@example.com" || got.ID != "m-1" || got.Reading.Impedance != 510 {
		t.Fatalf("unexpected measurement %+v", got)
	}
}

func TestProcessSessionWindow(t *testing.T) {
	d := newRecordingDispatcher()
	p := newTestPipeline(t, d)
	t0 := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)

	steps := []struct {
		at   time.Duration
		kg   float64
		imp  int
		want Outcome
	}{
		{at: 0, kg: 50.0, imp: 600, want: OutcomeDispatched},
		{at: 10 * time.Second, kg: 50.05, imp: 601, want: OutcomeSameSession},
		{at: 31 * time.Second, kg: 50.05, imp: 602, want: OutcomeDispatched},
	}
	for i, s := range steps {
		if got := p.Process(context.Background(), msgAt(t0.Add(s.at), payload(s.kg, s.imp))); got != s.want {
			t.Fatalf("step %d: expected %s, got %s", i, s.want, got)
		}
	}
	if d.count() != 2 {
		t.Fatalf("expected two dispatches, got %d", d.count())
	}
}

func TestProcessRejections(t *testing.T) {
	cases := []struct {
		name string
		body []byte
		want Outcome
	}{
		{name: "malformed", body: []byte(`not json`), want: OutcomeMalformed},
		{name: "other device", body: []byte(`{"model_id":"LYWSD03MMC","weight":1}`), want: OutcomeUnsupported},
		{name: "object", body: []byte(`{"model_id":"XMTZC05HM","weighing_mode":"object","weight":5,"impedance":1}`), want: OutcomeNotPerson},
		{name: "no impedance", body: []byte(`{"model_id":"XMTZC05HM","weighing_mode":"person","weight":60}`), want: OutcomeIncomplete},
		{name: "nobody in band", body: payload(120, 500), want: OutcomeUnresolved},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			d := newRecordingDispatcher()
			p := newTestPipeline(t, d)
			if got := p.Process(context.Background(), msgAt(time.Now(), tc.body)); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			if d.count() != 0 {
				t.Fatalf("rejected message must not be dispatched")
			}
		})
	}
}

func TestProcessUnresolvedDoesNotOpenSession(t *testing.T) {
	d := newRecordingDispatcher()
	p := newTestPipeline(t, d)
	t0 := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)

	if got := p.Process(context.Background(), msgAt(t0, payload(120, 500))); got != OutcomeUnresolved {
		t.Fatalf("expected unresolved, got %s", got)
	}
	if got := p.Process(context.Background(), msgAt(t0.Add(time.Second), payload(82.0, 500))); got != OutcomeDispatched {
		t.Fatalf("expected dispatch after an unresolved reading, got %s", got)
	}
}

func TestRunProcessesHandledMessagesInOrder(t *testing.T) {
	d := newRecordingDispatcher()
	p := newTestPipeline(t, d)
	base := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
	tick := 0
	p.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Handle("t", payload(82.0, 500))
	p.Handle("t", payload(60.0, 520))
	for i := 0; i < 2; i++ {
		select {
		case <-d.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d", i)
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}

	if d.got[0].Identity() != "him@example.com" || d.got[1].Identity() != "her@example.com" {
		t.Fatalf("unexpected order %s, %s", d.got[0].Identity(), d.got[1].Identity())
	}

	stopped := make(chan struct{})
	go func() {
		for i := 0; i < DefaultBuffer+1; i++ {
			p.Handle("t", payload(82.0, 500))
		}
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Handle must not block after the loop stopped")
	}
}
