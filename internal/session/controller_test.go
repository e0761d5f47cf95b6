package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"image-compressor-go/internal/blob"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/statistics"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// submission is one call to fakeRunner.Submit; the test feeds its channel.
type submission struct {
	ctx  context.Context
	in   *compressor.InputImage
	cons compressor.Constraints
	out  chan compressor.Message
}

type fakeRunner struct {
	calls chan *submission
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(chan *submission, 8)}
}

func (f *fakeRunner) Submit(ctx context.Context, in *compressor.InputImage, cons compressor.Constraints) <-chan compressor.Message {
	sub := &submission{ctx: ctx, in: in, cons: cons, out: make(chan compressor.Message, 16)}
	f.calls <- sub
	return sub.out
}

func (f *fakeRunner) next(t *testing.T) *submission {
	t.Helper()
	select {
	case sub := <-f.calls:
		return sub
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Submit")
		return nil
	}
}

func (f *fakeRunner) assertNoCalls(t *testing.T) {
	t.Helper()
	select {
	case sub := <-f.calls:
		t.Fatalf("Unexpected Submit for %s", sub.in.Name)
	default:
	}
}

// eventLog records delivered events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count(typ EventType) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	ctrl   *Controller
	runner *fakeRunner
	store  *blob.Store
	stats  *statistics.Statistics
	events *eventLog
}

func newFixture() *fixture {
	f := &fixture{
		runner: newFakeRunner(),
		store:  blob.NewStore(),
		stats:  statistics.NewStatistics(),
		events: &eventLog{},
	}
	f.ctrl = New(Options{
		Runner: f.runner,
		Store:  f.store,
		Sink:   f.events,
		Stats:  f.stats,
		Log:    logrus.NewEntry(logger.Discard()),
	})
	return f
}

func testInput(name string, size int) *compressor.InputImage {
	return &compressor.InputImage{
		Name:     name,
		MimeType: compressor.MimePNG,
		Data:     make([]byte, size),
		Size:     int64(size),
	}
}

func testResult(data string) *compressor.Result {
	return &compressor.Result{
		Data:      []byte(data),
		Size:      int64(len(data)),
		Width:     10,
		Height:    10,
		MimeType:  compressor.MimePNG,
		MetTarget: true,
	}
}

func waitSnapshot(t *testing.T, c *Controller) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return snap
}

func TestControllerHappyPath(t *testing.T) {
	f := newFixture()
	defer f.ctrl.Close()

	if s := f.ctrl.Snapshot(); s.State != StateIdle {
		t.Fatalf("Expected idle, got %s", s.State)
	}

	if err := f.ctrl.SelectImage(testInput("photo.png", 4000)); err != nil {
		t.Fatalf("SelectImage failed: %v", err)
	}
	if s := f.ctrl.Snapshot(); s.State != StateImageSelected || s.Progress != 0 {
		t.Fatalf("Expected image_selected at 0%%, got %s at %d", s.State, s.Progress)
	}

	token, err := f.ctrl.StartCompression()
	if err != nil {
		t.Fatalf("StartCompression failed: %v", err)
	}
	sub := f.runner.next(t)

	if sub.cons.MaxBytes != 1024*1024 || sub.cons.MaxDimension != 800 {
		t.Errorf("Expected default limits, got %+v", sub.cons)
	}
	if sub.cons.TargetMimeType != compressor.MimePNG {
		t.Errorf("Expected target to follow input type, got %s", sub.cons.TargetMimeType)
	}

	sub.out <- compressor.Message{Progress: 10}
	sub.out <- compressor.Message{Progress: 55}
	sub.out <- compressor.Message{Progress: 40}
	sub.out <- compressor.Message{Progress: 100}
	sub.out <- compressor.Message{Result: testResult("0123456789")}
	close(sub.out)

	snap := waitSnapshot(t, f.ctrl)
	if snap.State != StateComplete || snap.Progress != 100 {
		t.Fatalf("Expected complete at 100%%, got %s at %d", snap.State, snap.Progress)
	}
	if snap.Token != token {
		t.Errorf("Expected token %d, got %d", token, snap.Token)
	}
	if snap.DownloadName != "photo-compressed.png" {
		t.Errorf("Expected photo-compressed.png, got %s", snap.DownloadName)
	}
	if !snap.HasRate || FormatRate(snap.Rate) != "99.75" {
		t.Errorf("Expected rate 99.75, got %v (%v)", snap.Rate, snap.HasRate)
	}

	entry, err := f.store.Get(snap.Handle)
	if err != nil {
		t.Fatalf("Expected result in store: %v", err)
	}
	if string(entry.Data) != "0123456789" || entry.MimeType != "image/png" {
		t.Errorf("Unexpected stored entry %+v", entry)
	}

	expected := []EventType{EventImageSelected, EventStarted, EventProgress, EventProgress, EventProgress, EventCompleted}
	events := f.events.all()
	if len(events) != len(expected) {
		t.Fatalf("Expected %d events, got %d: %+v", len(expected), len(events), events)
	}
	last := -1
	for i, ev := range events {
		if ev.Type != expected[i] {
			t.Errorf("Event %d: expected %s, got %s", i, expected[i], ev.Type)
		}
		if ev.Snapshot.Progress < last && ev.Type != EventImageSelected {
			t.Errorf("Progress regressed to %d", ev.Snapshot.Progress)
		}
		last = ev.Snapshot.Progress
	}
}

func TestControllerSupersededResultIsDropped(t *testing.T) {
	f := newFixture()
	defer f.ctrl.Close()

	if err := f.ctrl.SelectImage(testInput("a.png", 1000)); err != nil {
		t.Fatal(err)
	}
	tokenA, err := f.ctrl.StartCompression()
	if err != nil {
		t.Fatal(err)
	}
	subA := f.runner.next(t)

	// Selecting B while A runs supersedes A.
	if err := f.ctrl.SelectImage(testInput("b.png", 2000)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-subA.ctx.Done():
	default:
		t.Error("Expected superseded invocation to be cancelled")
	}

	tokenB, err := f.ctrl.StartCompression()
	if err != nil {
		t.Fatal(err)
	}
	if tokenB == tokenA {
		t.Fatal("Expected a fresh token for the new invocation")
	}
	subB := f.runner.next(t)

	subB.out <- compressor.Message{Result: testResult("bbbb")}
	close(subB.out)
	snap := waitSnapshot(t, f.ctrl)
	if snap.State != StateComplete || snap.FileName != "b.png" {
		t.Fatalf("Expected b.png complete, got %s for %s", snap.State, snap.FileName)
	}

	// A arrives late, after B completed.
	subA.out <- compressor.Message{Progress: 70}
	subA.out <- compressor.Message{Result: testResult("aaaaaaaa")}
	close(subA.out)
	f.ctrl.handleProgress(tokenA, 80)
	f.ctrl.handleSuccess(tokenA, testResult("aaaaaaaa"))
	f.ctrl.handleFailure(tokenA, errors.New("late"))

	after := f.ctrl.Snapshot()
	if after.State != StateComplete || after.FileName != "b.png" || after.Handle != snap.Handle {
		t.Errorf("Stale result changed state: %+v", after)
	}
	if f.events.count(EventCompleted) != 1 {
		t.Errorf("Expected one completion event, got %d", f.events.count(EventCompleted))
	}
	if f.events.count(EventFailed) != 0 {
		t.Error("Stale failure must not be reported")
	}
	if f.stats.CompressionsSuperseded != 1 {
		t.Errorf("Expected one superseded compression, got %d", f.stats.CompressionsSuperseded)
	}
}

func TestControllerStaleCallbackDuringNewInvocation(t *testing.T) {
	f := newFixture()
	defer f.ctrl.Close()

	f.ctrl.SelectImage(testInput("a.png", 1000))
	tokenA, _ := f.ctrl.StartCompression()
	subA := f.runner.next(t)
	defer close(subA.out)

	f.ctrl.SelectImage(testInput("b.png", 1000))
	f.ctrl.StartCompression()
	subB := f.runner.next(t)

	f.ctrl.handleProgress(tokenA, 90)
	f.ctrl.handleSuccess(tokenA, testResult("stale"))

	snap := f.ctrl.Snapshot()
	if snap.State != StateCompressing || snap.Progress != 0 {
		t.Errorf("Stale callbacks altered the running invocation: %s at %d", snap.State, snap.Progress)
	}

	subB.out <- compressor.Message{Result: testResult("fresh")}
	close(subB.out)
	snap = waitSnapshot(t, f.ctrl)
	if entry, err := f.store.Get(snap.Handle); err != nil || string(entry.Data) != "fresh" {
		t.Errorf("Expected fresh result, got %q (%v)", entry.Data, err)
	}
}

func TestControllerFailureReturnsToImageSelected(t *testing.T) {
	f := newFixture()
	defer f.ctrl.Close()

	f.ctrl.SelectImage(testInput("photo.png", 1000))
	if _, err := f.ctrl.StartCompression(); err != nil {
		t.Fatal(err)
	}
	sub := f.runner.next(t)

	sub.out <- compressor.Message{Progress: 30}
	sub.out <- compressor.Message{Err: compressor.ErrDecode}
	close(sub.out)

	snap := waitSnapshot(t, f.ctrl)
	if snap.State != StateImageSelected || snap.Progress != 0 {
		t.Fatalf("Expected image_selected at 0%%, got %s at %d", snap.State, snap.Progress)
	}
	if !errors.Is(snap.Err, compressor.ErrDecode) {
		t.Errorf("Expected ErrDecode in snapshot, got %v", snap.Err)
	}
	if snap.Result != nil || snap.Handle != "" {
		t.Error("Expected no result after failure")
	}
	if f.events.count(EventFailed) != 1 {
		t.Errorf("Expected one failure event, got %d", f.events.count(EventFailed))
	}

	// Retry is allowed.
	if _, err := f.ctrl.StartCompression(); err != nil {
		t.Fatalf("Expected retry to start, got %v", err)
	}
	retry := f.runner.next(t)
	retry.out <- compressor.Message{Result: testResult("ok")}
	close(retry.out)
	if snap := waitSnapshot(t, f.ctrl); snap.State != StateComplete || snap.Err != nil {
		t.Errorf("Expected retry to complete cleanly, got %s (%v)", snap.State, snap.Err)
	}
}

func TestControllerStartGuards(t *testing.T) {
	f := newFixture()
	defer f.ctrl.Close()

	if _, err := f.ctrl.StartCompression(); !errors.Is(err, ErrNoImage) {
		t.Errorf("Expected ErrNoImage, got %v", err)
	}

	f.ctrl.SelectImage(testInput("photo.png", 100))
	if _, err := f.ctrl.StartCompression(); err != nil {
		t.Fatal(err)
	}
	sub := f.runner.next(t)

	if _, err := f.ctrl.StartCompression(); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
	f.runner.assertNoCalls(t)

	sub.out <- compressor.Message{Result: testResult("x")}
	close(sub.out)
	waitSnapshot(t, f.ctrl)

	if err := f.ctrl.SelectImage(nil); !errors.Is(err, ErrNoImage) {
		t.Errorf("Expected ErrNoImage for nil input, got %v", err)
	}
}

func TestControllerRejectsUnsupportedMimeType(t *testing.T) {
	f := newFixture()
	defer f.ctrl.Close()

	err := f.ctrl.SelectFile("anim.gif", "image/gif", []byte("GIF89a"))
	if !errors.Is(err, compressor.ErrUnsupportedMimeType) {
		t.Fatalf("Expected ErrUnsupportedMimeType, got %v", err)
	}
	if s := f.ctrl.Snapshot(); s.State != StateIdle {
		t.Errorf("Expected state to stay idle, got %s", s.State)
	}
	if _, err := f.ctrl.StartCompression(); !errors.Is(err, ErrNoImage) {
		t.Errorf("Expected ErrNoImage, got %v", err)
	}
	f.runner.assertNoCalls(t)
	if len(f.events.all()) != 0 {
		t.Error("Expected no events for a rejected input")
	}
	if f.stats.InputsRejected != 1 {
		t.Errorf("Expected one rejected input, got %d", f.stats.InputsRejected)
	}
}

func TestControllerReleasesSupersededResult(t *testing.T) {
	f := newFixture()

	f.ctrl.SelectImage(testInput("a.png", 100))
	f.ctrl.StartCompression()
	sub := f.runner.next(t)
	sub.out <- compressor.Message{Result: testResult("first")}
	close(sub.out)
	first := waitSnapshot(t, f.ctrl)
	if f.store.Len() != 1 {
		t.Fatalf("Expected one stored result, got %d", f.store.Len())
	}

	// Recompressing from complete releases the previous result.
	f.ctrl.StartCompression()
	sub = f.runner.next(t)
	if _, err := f.store.Get(first.Handle); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Expected previous handle to be released, got %v", err)
	}
	sub.out <- compressor.Message{Result: testResult("second")}
	close(sub.out)
	waitSnapshot(t, f.ctrl)

	f.ctrl.SelectImage(testInput("b.png", 100))
	if f.store.Len() != 0 {
		t.Errorf("Expected result released on new selection, got %d entries", f.store.Len())
	}

	f.ctrl.StartCompression()
	sub = f.runner.next(t)
	sub.out <- compressor.Message{Result: testResult("third")}
	close(sub.out)
	waitSnapshot(t, f.ctrl)

	f.ctrl.Close()
	if f.store.Len() != 0 {
		t.Errorf("Expected result released on Close, got %d entries", f.store.Len())
	}
	if err := f.ctrl.SelectImage(testInput("c.png", 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := f.ctrl.StartCompression(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestControllerNegativeRate(t *testing.T) {
	f := newFixture()
	defer f.ctrl.Close()

	f.ctrl.SelectImage(testInput("tiny.png", 4))
	f.ctrl.StartCompression()
	sub := f.runner.next(t)
	sub.out <- compressor.Message{Result: testResult("larger")}
	close(sub.out)

	snap := waitSnapshot(t, f.ctrl)
	if !snap.HasRate || snap.Rate >= 0 {
		t.Errorf("Expected negative rate, got %v (%v)", snap.Rate, snap.HasRate)
	}
}

func TestControllerWithWorker(t *testing.T) {
	log := logger.Discard()
	worker := compressor.NewWorker(compressor.NewDefaultCompressor(compressor.DefaultPolicy(), log), log)
	worker.Start()
	defer worker.Stop()

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(1600, 800, image.White.C), imaging.PNG); err != nil {
		t.Fatal(err)
	}

	events := &eventLog{}
	store := blob.NewStore()
	ctrl := New(Options{Runner: worker, Store: store, Sink: events, Log: logrus.NewEntry(log)})
	defer ctrl.Close()

	if err := ctrl.SelectFile("wide.png", "image/png", buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.StartCompression(); err != nil {
		t.Fatal(err)
	}

	snap := waitSnapshot(t, ctrl)
	if snap.State != StateComplete {
		t.Fatalf("Expected complete, got %s (%v)", snap.State, snap.Err)
	}
	if snap.Result.Width != 800 || snap.Result.Height != 400 {
		t.Errorf("Expected 800x400, got %dx%d", snap.Result.Width, snap.Result.Height)
	}
	if snap.DownloadName != "wide-compressed.png" {
		t.Errorf("Expected wide-compressed.png, got %s", snap.DownloadName)
	}
	if events.count(EventCompleted) != 1 {
		t.Errorf("Expected one completion event, got %d", events.count(EventCompleted))
	}

	entry, err := store.Get(snap.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(entry.Data)); err != nil || format != "png" {
		t.Errorf("Expected stored png, got %q (%v)", format, err)
	}
}

func TestControllerChannelClosedWithoutResult(t *testing.T) {
	f := newFixture()
	defer f.ctrl.Close()

	f.ctrl.SelectImage(testInput("photo.png", 1000))
	if _, err := f.ctrl.StartCompression(); err != nil {
		t.Fatal(err)
	}
	sub := f.runner.next(t)
	sub.out <- compressor.Message{Progress: 40}
	close(sub.out)

	snap := waitSnapshot(t, f.ctrl)
	if snap.State != StateImageSelected || snap.Progress != 0 {
		t.Fatalf("Expected image_selected at 0%%, got %s at %d", snap.State, snap.Progress)
	}
	if !errors.Is(snap.Err, compressor.ErrWorkerFailure) {
		t.Errorf("Expected ErrWorkerFailure, got %v", snap.Err)
	}
	if f.events.count(EventFailed) != 1 {
		t.Errorf("Expected one failure event, got %d", f.events.count(EventFailed))
	}

	if _, err := f.ctrl.StartCompression(); err != nil {
		t.Errorf("Expected retry after worker failure, got %v", err)
	}
	close(f.runner.next(t).out)
	waitSnapshot(t, f.ctrl)
}

func TestControllerStaysResponsiveWithSlowSink(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	events := &eventLog{}
	sink := SinkFunc(func(ev Event) {
		events.OnEvent(ev)
		if ev.Type == EventProgress {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}
	})

	runner := newFakeRunner()
	ctrl := New(Options{Runner: runner, Sink: sink, Log: logrus.NewEntry(logger.Discard())})
	defer ctrl.Close()

	ctrl.SelectImage(testInput("a.png", 1000))
	ctrl.StartCompression()
	sub := runner.next(t)
	defer close(sub.out)
	sub.out <- compressor.Message{Progress: 40}

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Sink never received the progress event")
	}

	done := make(chan Snapshot, 1)
	go func() {
		ctrl.SelectImage(testInput("b.png", 1000))
		done <- ctrl.Snapshot()
	}()

	select {
	case snap := <-done:
		if snap.State != StateImageSelected || snap.FileName != "b.png" {
			t.Errorf("Expected b.png selected, got %s for %s", snap.State, snap.FileName)
		}
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("Controller blocked behind a slow sink")
	}

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for events.count(EventImageSelected) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	expected := []EventType{EventImageSelected, EventStarted, EventProgress, EventImageSelected}
	got := events.all()
	if len(got) != len(expected) {
		t.Fatalf("Expected %v, got %d events", expected, len(got))
	}
	for i := range expected {
		if got[i].Type != expected[i] {
			t.Errorf("Event %d: expected %s, got %s", i, expected[i], got[i].Type)
		}
	}
}

// panicEngine crashes on every compression.
type panicEngine struct{}

func (panicEngine) Compress(ctx context.Context, in *compressor.InputImage, c compressor.Constraints, onProgress compressor.ProgressFunc) (*compressor.Result, error) {
	onProgress(10)
	panic("encoder crashed")
}

func TestControllerWorkerCrashReturnsToImageSelected(t *testing.T) {
	log := logger.Discard()
	worker := compressor.NewWorker(panicEngine{}, log)
	worker.Start()
	defer worker.Stop()

	events := &eventLog{}
	ctrl := New(Options{Runner: worker, Sink: events, Log: logrus.NewEntry(log)})
	defer ctrl.Close()

	ctrl.SelectImage(testInput("photo.png", 1000))
	if _, err := ctrl.StartCompression(); err != nil {
		t.Fatal(err)
	}

	snap := waitSnapshot(t, ctrl)
	if snap.State != StateImageSelected || snap.Progress != 0 {
		t.Fatalf("Expected image_selected at 0%%, got %s at %d", snap.State, snap.Progress)
	}
	if !errors.Is(snap.Err, compressor.ErrWorkerFailure) {
		t.Errorf("Expected ErrWorkerFailure, got %v", snap.Err)
	}
	if snap.Result != nil {
		t.Error("Expected no result after a worker crash")
	}
	if events.count(EventFailed) != 1 || events.count(EventCompleted) != 0 {
		t.Errorf("Expected one failure and no completion, got %d/%d", events.count(EventFailed), events.count(EventCompleted))
	}
}
