// v0
// internal/dispatch/dispatch_test.go
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/scale"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/users"
)

type stubUploader struct {
	authErr   error
	uploadErr error
	panicOn   bool
	auths     []string
	uploads   int
}

func (s *stubUploader) Authenticate(_ context.Context, identity string) error {
	s.auths = append(s.auths, identity)
	return s.authErr
}

func (s *stubUploader) Upload(_ context.Context, _ time.Time, _ bodycomp.Metrics) error {
	if s.panicOn {
		panic("garmin exploded")
	}
	s.uploads++
	return s.uploadErr
}

type stubBackup struct {
	err     error
	entries []string
}

func (s *stubBackup) Append(_ context.Context, identity string, _ time.Time, _ bodycomp.Metrics) error {
	s.entries = append(s.entries, identity)
	return s.err
}

type stubSink struct {
	name  string
	err   error
	calls int
	ctx   context.Context
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Deliver(ctx context.Context, _ Measurement) error {
	s.calls++
	s.ctx = ctx
	return s.err
}

type recorder struct {
	mu   sync.Mutex
	seen map[string]string
}

func (r *recorder) SinkResult(sink, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]string{}
	}
	r.seen[sink] = status
}

func testMeasurement() Measurement {
	return Measurement{
		ID:      "m-1",
		Reading: scale.Reading{Timestamp: time.Date(2024, 1, 2, 7, 0, 0, 0, time.UTC), WeightKg: 72, Impedance: 500},
		Profile: users.Profile{Email: "user@example.com"},
		Metrics: bodycomp.Metrics{Weight: 72},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchDeliversToAllSinks(t *testing.T) {
	up := &stubUploader{}
	bk := &stubBackup{}
	extra := &stubSink{name: "events"}
	rec := &recorder{}
	d := New(Options{Uploader: up, Backup: bk, Extra: []Sink{extra}, Recorder: rec}, testLogger())

	rep := d.Dispatch(context.Background(), testMeasurement())

	if len(up.auths) != 1 || up.auths[0] != "user@example.com" || up.uploads != 1 {
		t.Fatalf("unexpected uploader calls: %+v", up)
	}
	if len(bk.entries) != 1 || extra.calls != 1 {
		t.Fatalf("expected backup and extra sink to run once")
	}
	for _, sink := range []string{SinkUpload, SinkBackup, "events"} {
		st, ok := rep.Status(sink)
		if !ok || st != StatusDelivered {
			t.Fatalf("sink %s: expected delivered, got %q (ok=%v)", sink, st, ok)
		}
		if rec.seen[sink] != string(StatusDelivered) {
			t.Fatalf("sink %s not recorded: %v", sink, rec.seen)
		}
	}
}

func TestDispatchUploadFailureDoesNotAffectBackup(t *testing.T) {
	up := &stubUploader{uploadErr: errors.New("503 from upstream")}
	bk := &stubBackup{}
	rep := New(Options{Uploader: up, Backup: bk}, testLogger()).Dispatch(context.Background(), testMeasurement())

	if st, _ := rep.Status(SinkUpload); st != StatusFailed {
		t.Fatalf("expected upload failed, got %s", st)
	}
	if st, _ := rep.Status(SinkBackup); st != StatusDelivered {
		t.Fatalf("expected backup delivered, got %s", st)
	}
	if len(bk.entries) != 1 {
		t.Fatalf("backup must still receive the reading")
	}
}

func TestDispatchAuthFailureSkipsUploadOnly(t *testing.T) {
	up := &stubUploader{authErr: errors.New("token file missing")}
	bk := &stubBackup{}
	rep := New(Options{Uploader: up, Backup: bk}, testLogger()).Dispatch(context.Background(), testMeasurement())

	if st, _ := rep.Status(SinkUpload); st != StatusAuthFailed {
		t.Fatalf("expected auth_failed, got %s", st)
	}
	if up.uploads != 0 {
		t.Fatalf("upload must not run after failed authentication")
	}
	if len(bk.entries) != 1 {
		t.Fatalf("backup must still receive the reading")
	}
}

func TestDispatchBackupFailureDoesNotAffectUpload(t *testing.T) {
	up := &stubUploader{}
	bk := &stubBackup{err: errors.New("disk full")}
	rep := New(Options{Uploader: up, Backup: bk}, testLogger()).Dispatch(context.Background(), testMeasurement())

	if st, _ := rep.Status(SinkUpload); st != StatusDelivered {
		t.Fatalf("expected upload delivered, got %s", st)
	}
	if st, _ := rep.Status(SinkBackup); st != StatusFailed {
		t.Fatalf("expected backup failed, got %s", st)
	}
}

func TestDispatchRecoversSinkPanic(t *testing.T) {
	up := &stubUploader{panicOn: true}
	bk := &stubBackup{}
	rep := New(Options{Uploader: up, Backup: bk}, testLogger()).Dispatch(context.Background(), testMeasurement())

	if len(rep.Outcomes) != 2 {
		t.Fatalf("expected two outcomes, got %d", len(rep.Outcomes))
	}
	if !errors.Is(rep.Outcomes[0].Err, ErrSinkPanic) {
		t.Fatalf("expected ErrSinkPanic, got %v", rep.Outcomes[0].Err)
	}
	if len(bk.entries) != 1 {
		t.Fatalf("backup must run after an upload panic")
	}
}

func TestDispatchDisabledSinks(t *testing.T) {
	rec := &recorder{}
	rep := New(Options{Recorder: rec}, testLogger()).Dispatch(context.Background(), testMeasurement())

	for _, sink := range []string{SinkUpload, SinkBackup} {
		if st, _ := rep.Status(sink); st != StatusDisabled {
			t.Fatalf("sink %s: expected disabled, got %s", sink, st)
		}
	}
}

func TestDispatchIgnoresShutdownCancellation(t *testing.T) {
	extra := &stubSink{name: "events"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	New(Options{Extra: []Sink{extra}}, testLogger()).Dispatch(ctx, testMeasurement())

	if extra.calls != 1 {
		t.Fatalf("expected sink to run")
	}
	if extra.ctx.Err() != nil {
		t.Fatalf("in-flight dispatch must not observe shutdown cancellation: %v", extra.ctx.Err())
	}
}
