package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/aria/internal/observe"
	"github.com/MrWong99/aria/pkg/audio"
	"github.com/MrWong99/aria/pkg/audio/device"
	devmock "github.com/MrWong99/aria/pkg/audio/device/mock"
	"github.com/MrWong99/aria/pkg/provider/s2s"
	s2smock "github.com/MrWong99/aria/pkg/provider/s2s/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type harness struct {
	m       *Manager
	p       *s2smock.Provider
	b       *devmock.Backend
	reader  *sdkmetric.ManualReader
	metrics *observe.Metrics
}

func newHarness(t *testing.T, p s2s.Provider, b *devmock.Backend, cfg Config) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m := New(p, b, cfg, WithMetrics(met))
	t.Cleanup(func() { _ = m.Close() })
	h := &harness{m: m, b: b, reader: reader, metrics: met}
	if sp, ok := p.(*s2smock.Provider); ok {
		h.p = sp
	}
	return h
}

// startListening starts a conversation and waits until the microphone is live.
func (h *harness) startListening(t *testing.T) *s2smock.Session {
	t.Helper()
	if err := h.m.StartConversation(context.Background()); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	waitStatus(t, h.m, StatusListening)
	return h.p.LastSession()
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	waitFor(t, "status "+want.String(), func() bool { return m.Status() == want })
}

// chunk returns an encoded 24 kHz mono chunk of the given duration.
func chunk(seconds float64) *s2s.Blob {
	samples := make([]float32, int(seconds*audio.OutputSampleRate))
	for i := range samples {
		samples[i] = 0.25
	}
	return &s2s.Blob{Data: audio.EncodeChunk(samples), MIMEType: "audio/pcm;rate=24000"}
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// lateProvider ignores ctx and only returns once release is closed, modelling
// a connect that resolves after the caller gave up.
type lateProvider struct {
	release chan struct{}

	mu       sync.Mutex
	sessions []*s2smock.Session
}

func (p *lateProvider) Connect(_ context.Context, _ s2s.SessionConfig) (s2s.Session, error) {
	<-p.release
	s := s2smock.NewSession()
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

func (p *lateProvider) last() *s2smock.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestManager_StartConnectsThenListens(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	p := &s2smock.Provider{Gate: gate}
	b := &devmock.Backend{}
	h := newHarness(t, p, b, Config{})

	if err := h.m.StartConversation(context.Background()); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if got := h.m.Status(); got != StatusConnecting {
		t.Fatalf("status = %v; want connecting", got)
	}
	if h.m.Snapshot().ConversationID == "" {
		t.Error("conversation id not published")
	}

	waitFor(t, "connect call", func() bool { return len(p.ConnectCalls()) == 1 })
	cfg := p.ConnectCalls()[0].Cfg
	if cfg.Voice != DefaultVoice || cfg.Instructions != DefaultInstructions {
		t.Errorf("session voice/instructions = %q / %q", cfg.Voice, cfg.Instructions)
	}
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != s2s.ModalityAudio {
		t.Errorf("modalities = %v; want [AUDIO]", cfg.ResponseModalities)
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Error("transcription not requested")
	}

	out := b.LastOutput()
	if out == nil || out.SampleRate() != audio.OutputSampleRate {
		t.Fatalf("playback output not opened at %d Hz", audio.OutputSampleRate)
	}
	if len(b.Streams()) != 0 {
		t.Error("microphone opened before the session")
	}

	close(gate)
	waitStatus(t, h.m, StatusListening)

	stream := b.LastStream()
	if stream == nil || stream.SampleRate != audio.InputSampleRate {
		t.Fatalf("microphone not opened at %d Hz", audio.InputSampleRate)
	}
	if !stream.HasTap() || stream.FrameSize() != DefaultFrameSize {
		t.Errorf("capture tap not attached with frame size %d", DefaultFrameSize)
	}
}

func TestManager_MissingCredential(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{ValidateErr: fmt.Errorf("mock: %w", s2s.ErrMissingCredential)}
	b := &devmock.Backend{}
	h := newHarness(t, p, b, Config{})

	err := h.m.StartConversation(context.Background())
	if KindOf(err) != ConfigurationError {
		t.Fatalf("err = %v; want ConfigurationError", err)
	}
	if h.m.Status() != StatusIdle {
		t.Errorf("status = %v; want idle", h.m.Status())
	}
	if h.m.LastError() != msgConfiguration {
		t.Errorf("LastError = %q", h.m.LastError())
	}
	if len(b.Outputs()) != 0 || len(p.ConnectCalls()) != 0 {
		t.Error("devices or session touched despite configuration error")
	}
}

func TestManager_PlaybackDeviceFailure(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{}
	b := &devmock.Backend{OutputErr: errors.New("no sound card")}
	h := newHarness(t, p, b, Config{})

	err := h.m.StartConversation(context.Background())
	if KindOf(err) != UnexpectedError {
		t.Fatalf("err = %v; want UnexpectedError", err)
	}
	if h.m.Status() != StatusIdle {
		t.Errorf("status = %v; want idle", h.m.Status())
	}
	if h.m.LastError() == "" {
		t.Error("LastError empty")
	}
}

func TestManager_MicrophoneDenied(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{}
	b := &devmock.Backend{MicrophoneErr: fmt.Errorf("mock: %w", device.ErrPermissionDenied)}
	h := newHarness(t, p, b, Config{})

	if err := h.m.StartConversation(context.Background()); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	waitFor(t, "microphone error", func() bool { return h.m.LastError() == msgMicrophone })
	waitStatus(t, h.m, StatusIdle)

	sess := p.LastSession()
	if sess == nil || !sess.Ended() {
		t.Error("session not closed after microphone denial")
	}
	if out := b.LastOutput(); out.CloseCount() != 1 {
		t.Errorf("output closed %d times; want 1", out.CloseCount())
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{ConnectErr: errors.New("dial refused")}
	b := &devmock.Backend{}
	h := newHarness(t, p, b, Config{})

	if err := h.m.StartConversation(context.Background()); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	want := "An unexpected error occurred: dial refused"
	waitFor(t, "connect error", func() bool { return h.m.LastError() == want })
	waitStatus(t, h.m, StatusIdle)
	if b.LastOutput().CloseCount() != 1 {
		t.Error("output not released after connect failure")
	}
}

func TestManager_ConnectTimeout(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{Gate: make(chan struct{})}
	b := &devmock.Backend{}
	h := newHarness(t, p, b, Config{ConnectTimeout: 20 * time.Millisecond})

	if err := h.m.StartConversation(context.Background()); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	waitFor(t, "timeout error", func() bool { return h.m.LastError() == msgTransport })
	waitStatus(t, h.m, StatusIdle)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{}
	b := &devmock.Backend{}
	h := newHarness(t, p, b, Config{})
	ctx := context.Background()

	if err := h.m.StopConversation(ctx); err != nil {
		t.Fatalf("Stop while idle: %v", err)
	}

	sess := h.startListening(t)
	for i := range 2 {
		if err := h.m.StopConversation(ctx); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
		if h.m.Status() != StatusIdle {
			t.Fatalf("status after Stop #%d = %v", i+1, h.m.Status())
		}
	}
	if sess.CloseCount() != 1 {
		t.Errorf("session closed %d times; want 1", sess.CloseCount())
	}
	if b.OpenStreams() != 0 {
		t.Error("microphone still open after Stop")
	}
	if b.LastOutput().CloseCount() != 1 {
		t.Error("output not closed exactly once")
	}
	if h.m.LastError() != "" {
		t.Errorf("LastError = %q after manual stop", h.m.LastError())
	}
}

func TestManager_ConcurrentStops(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{}
	b := &devmock.Backend{}
	h := newHarness(t, p, b, Config{})
	sess := h.startListening(t)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.m.StopConversation(context.Background()); err != nil {
				t.Errorf("StopConversation: %v", err)
			}
		}()
	}
	wg.Wait()
	if h.m.Status() != StatusIdle {
		t.Errorf("status = %v; want idle", h.m.Status())
	}
	if sess.CloseCount() != 1 {
		t.Errorf("session closed %d times; want 1", sess.CloseCount())
	}
}

func TestManager_StopDuringConnectClosesLateSession(t *testing.T) {
	t.Parallel()
	p := &lateProvider{release: make(chan struct{})}
	b := &devmock.Backend{}
	h := newHarness(t, p, b, Config{})

	if err := h.m.StartConversation(context.Background()); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if err := h.m.StopConversation(context.Background()); err != nil {
		t.Fatalf("StopConversation: %v", err)
	}
	if h.m.Status() != StatusIdle {
		t.Fatalf("status = %v; want idle", h.m.Status())
	}

	close(p.release)
	waitFor(t, "late session closed", func() bool {
		s := p.last()
		return s != nil && s.CloseCount() == 1
	})
	if h.m.Status() != StatusIdle {
		t.Errorf("late session changed status to %v", h.m.Status())
	}
	if len(b.Streams()) != 0 {
		t.Error("microphone opened for a stopped conversation")
	}
}

func TestManager_StartSupersedesActiveConversation(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{}
	b := &devmock.Backend{}
	h := newHarness(t, p, b, Config{})

	first := h.startListening(t)
	firstOut := b.LastOutput()

	if err := h.m.StartConversation(context.Background()); err != nil {
		t.Fatalf("second StartConversation: %v", err)
	}
	waitFor(t, "second session listening", func() bool {
		return len(p.Sessions()) == 2 && h.m.Status() == StatusListening
	})

	if !first.Ended() {
		t.Error("first session still open")
	}
	if firstOut.CloseCount() != 1 {
		t.Error("first output not closed")
	}
	if n := b.OpenStreams(); n != 1 {
		t.Errorf("open microphone streams = %d; want 1", n)
	}
}

func TestManager_CloseStopsAndRejects(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{}
	b := &devmock.Backend{}
	h := newHarness(t, p, b, Config{})
	sess := h.startListening(t)
	sub, _ := h.m.Subscribe()

	if err := h.m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !sess.Ended() || b.OpenStreams() != 0 {
		t.Error("Close did not release the active conversation")
	}
	if h.m.Status() != StatusIdle {
		t.Errorf("status = %v; want idle", h.m.Status())
	}
	if err := h.m.StartConversation(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v; want ErrClosed", err)
	}
	if err := h.m.StopConversation(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Stop after Close = %v; want ErrClosed", err)
	}

	// Drain whatever was buffered; the channel must be closed.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("subscription not closed")
		}
	}
}

// ── Messages ──────────────────────────────────────────────────────────────────

func TestManager_TurnCompleteAppendsPair(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &s2smock.Provider{}, &devmock.Backend{}, Config{})
	sess := h.startListening(t)

	sess.Push(s2s.Message{InputTranscription: "Hello"})
	sess.Push(s2s.Message{InputTranscription: " world"})
	sess.Push(s2s.Message{TurnComplete: true})

	waitFor(t, "turn pair", func() bool { return len(h.m.Transcript()) == 2 })
	got := h.m.Transcript()
	want := []Turn{{SpeakerUser, "Hello world"}, {SpeakerModel, ""}}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn %d = %+v; want %+v", i, got[i], want[i])
		}
	}
	if h.m.Status() != StatusListening {
		t.Errorf("status = %v; want listening", h.m.Status())
	}
	if n := counterValue(t, h.reader, "aria.turns"); n != 1 {
		t.Errorf("aria.turns = %d; want 1", n)
	}
}

func TestManager_SingleMessageProcessingOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &s2smock.Provider{}, &devmock.Backend{}, Config{})
	sess := h.startListening(t)

	sess.Push(s2s.Message{InputTranscription: "I agree", OutputTranscription: "Great", TurnComplete: true})

	waitFor(t, "turn pair", func() bool { return len(h.m.Transcript()) == 2 })
	got := h.m.Transcript()
	if got[0].Text != "I agree" || got[1].Text != "Great" {
		t.Errorf("transcript = %+v; fragments of the same message must precede the turn end", got)
	}
	waitStatus(t, h.m, StatusListening)
}

func TestManager_InterleavedFragments(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &s2smock.Provider{}, &devmock.Backend{}, Config{})
	sess := h.startListening(t)

	sess.Push(s2s.Message{InputTranscription: "How "})
	sess.Push(s2s.Message{OutputTranscription: "Fine"})
	sess.Push(s2s.Message{Audio: chunk(0.01)})
	sess.Push(s2s.Message{InputTranscription: "are you?"})
	sess.Push(s2s.Message{OutputTranscription: ", thanks."})
	sess.Push(s2s.Message{TurnComplete: true})

	waitFor(t, "turn pair", func() bool { return len(h.m.Transcript()) == 2 })
	got := h.m.Transcript()
	if got[0].Text != "How are you?" || got[1].Text != "Fine, thanks." {
		t.Errorf("transcript = %+v", got)
	}
}

func TestManager_AudioSpeaksUntilDrained(t *testing.T) {
	t.Parallel()
	b := &devmock.Backend{}
	h := newHarness(t, &s2smock.Provider{}, b, Config{})
	sess := h.startListening(t)
	out := b.LastOutput()

	sess.Push(s2s.Message{Audio: chunk(0.1)})
	sess.Push(s2s.Message{Audio: chunk(0.1)})
	waitStatus(t, h.m, StatusSpeaking)
	waitFor(t, "two sources", func() bool { return out.Active() == 2 })

	// Turn completes while audio is still queued: stays speaking.
	sess.Push(s2s.Message{TurnComplete: true})
	waitFor(t, "turn pair", func() bool { return len(h.m.Transcript()) == 2 })
	if h.m.Status() != StatusSpeaking {
		t.Errorf("status = %v; want speaking while audio plays", h.m.Status())
	}

	out.Advance(0.15)
	if h.m.Status() != StatusSpeaking {
		t.Errorf("status = %v; want speaking with one chunk left", h.m.Status())
	}
	out.Advance(0.1)
	waitStatus(t, h.m, StatusListening)

	if n := counterValue(t, h.reader, "aria.playback.chunks"); n != 2 {
		t.Errorf("aria.playback.chunks = %d; want 2", n)
	}
}

func TestManager_InterruptionFlushesPlayback(t *testing.T) {
	t.Parallel()
	b := &devmock.Backend{}
	h := newHarness(t, &s2smock.Provider{}, b, Config{})
	sess := h.startListening(t)
	out := b.LastOutput()

	for range 3 {
		sess.Push(s2s.Message{Audio: chunk(0.5)})
	}
	waitFor(t, "three sources", func() bool { return out.Active() == 3 })

	sess.Push(s2s.Message{Interrupted: true})
	waitStatus(t, h.m, StatusListening)
	if out.Active() != 0 {
		t.Errorf("output holds %d sources after interruption", out.Active())
	}

	// New speech after barge-in starts at the current clock.
	out.Advance(0.05)
	sess.Push(s2s.Message{Audio: chunk(0.1)})
	waitStatus(t, h.m, StatusSpeaking)
	if n := counterValue(t, h.reader, "aria.interruptions"); n != 1 {
		t.Errorf("aria.interruptions = %d; want 1", n)
	}
}

func TestManager_MalformedAudioIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &s2smock.Provider{}, &devmock.Backend{}, Config{})
	sess := h.startListening(t)

	sess.Push(s2s.Message{Audio: &s2s.Blob{Data: "%%%not base64"}})
	sess.Push(s2s.Message{Audio: &s2s.Blob{Data: "AA=="}}) // one byte: odd length
	sess.Push(s2s.Message{InputTranscription: "still here", TurnComplete: true})

	waitFor(t, "turn pair", func() bool { return len(h.m.Transcript()) == 2 })
	if h.m.Status() != StatusListening {
		t.Errorf("status = %v; want listening", h.m.Status())
	}
	if h.m.LastError() != "" {
		t.Errorf("LastError = %q; malformed audio must not surface", h.m.LastError())
	}
	if sess.Ended() {
		t.Error("malformed audio ended the session")
	}
	if n := counterValue(t, h.reader, "aria.audio.malformed"); n != 2 {
		t.Errorf("aria.audio.malformed = %d; want 2", n)
	}
}

// ── Session end and send failure ──────────────────────────────────────────────

func TestManager_TransportErrorTearsDown(t *testing.T) {
	t.Parallel()
	b := &devmock.Backend{}
	h := newHarness(t, &s2smock.Provider{}, b, Config{})
	sess := h.startListening(t)

	sess.EndRemote(errors.New("connection reset"))
	waitStatus(t, h.m, StatusIdle)
	if h.m.LastError() != msgTransport {
		t.Errorf("LastError = %q; want %q", h.m.LastError(), msgTransport)
	}
	if b.OpenStreams() != 0 {
		t.Error("microphone still open")
	}
	if n := counterValue(t, h.reader, "aria.session.errors"); n != 1 {
		t.Errorf("aria.session.errors = %d; want exactly 1", n)
	}
}

func TestManager_RemoteCloseReturnsToIdle(t *testing.T) {
	t.Parallel()
	b := &devmock.Backend{}
	h := newHarness(t, &s2smock.Provider{}, b, Config{})
	sess := h.startListening(t)

	sess.EndRemote(nil)
	waitStatus(t, h.m, StatusIdle)
	if h.m.LastError() != "" {
		t.Errorf("LastError = %q; want none for a clean close", h.m.LastError())
	}
	if b.OpenStreams() != 0 || b.LastOutput().CloseCount() != 1 {
		t.Error("devices not released on remote close")
	}
}

func TestDefaultInstructions_Layout(t *testing.T) {
	t.Parallel()
	lines := strings.Split(DefaultInstructions, "\n")
	if len(lines) != 7 {
		t.Fatalf("instruction has %d lines; want intro plus six numbered items", len(lines))
	}
	for i, line := range lines[1:] {
		if !strings.HasPrefix(line, fmt.Sprintf("%d. ", i+1)) {
			t.Errorf("line %d = %q; want item %d", i+2, line, i+1)
		}
	}
	if want := "conversation. Let's start with a simple greeting."; !strings.HasSuffix(lines[6], want) {
		t.Errorf("last item = %q; want it to end with %q", lines[6], want)
	}
}

func TestManager_FrameInFlightAtRemoteCloseIsNotAnError(t *testing.T) {
	t.Parallel()
	for i := range 20 {
		b := &devmock.Backend{}
		h := newHarness(t, &s2smock.Provider{}, b, Config{})
		sess := h.startListening(t)

		sess.EndRemote(nil)
		b.LastStream().Emit([][]float32{{0.1, 0.2}})

		waitStatus(t, h.m, StatusIdle)
		if got := h.m.LastError(); got != "" {
			t.Fatalf("run %d: LastError = %q; want none for a clean close", i, got)
		}
		if n := counterValue(t, h.reader, "aria.session.errors"); n != 0 {
			t.Fatalf("run %d: aria.session.errors = %d; want 0", i, n)
		}
	}
}

func TestManager_SendOnClosedSessionWaitsForEnd(t *testing.T) {
	t.Parallel()
	b := &devmock.Backend{}
	h := newHarness(t, &s2smock.Provider{}, b, Config{})
	sess := h.startListening(t)

	sess.SetSendErr(fmt.Errorf("gemini: %w", s2s.ErrSessionClosed))
	b.LastStream().Emit([][]float32{{0.1}})
	time.Sleep(50 * time.Millisecond)

	if got := h.m.Status(); got != StatusListening {
		t.Fatalf("Status = %v; want Listening until the session ends", got)
	}
	if got := h.m.LastError(); got != "" {
		t.Fatalf("LastError = %q; want none", got)
	}

	sess.EndRemote(nil)
	waitStatus(t, h.m, StatusIdle)
	if got := h.m.LastError(); got != "" {
		t.Errorf("LastError = %q after remote close; want none", got)
	}
}

func TestManager_CapturedFramesReachSessionInOrder(t *testing.T) {
	t.Parallel()
	b := &devmock.Backend{}
	h := newHarness(t, &s2smock.Provider{}, b, Config{})
	sess := h.startListening(t)
	stream := b.LastStream()

	var want []string
	for i := range 3 {
		frame := []float32{float32(i) / 10, -float32(i) / 10}
		want = append(want, audio.EncodeChunk(frame))
		stream.Emit([][]float32{frame})
	}

	waitFor(t, "frames sent", func() bool { return len(sess.Sent()) == 3 })
	for i, blob := range sess.Sent() {
		if blob.Data != want[i] || blob.MIMEType != audio.MIMEInputPCM {
			t.Errorf("blob %d = %+v", i, blob)
		}
	}
	waitFor(t, "frames counted", func() bool { return counterValue(t, h.reader, "aria.frames.sent") == 3 })
}

func TestManager_SendFailureTearsDown(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{SendErr: errors.New("broken pipe")}
	b := &devmock.Backend{}
	h := newHarness(t, p, b, Config{})
	h.startListening(t)

	stream := b.LastStream()
	stream.Emit([][]float32{{0.1}})
	stream.Emit([][]float32{{0.2}})

	waitFor(t, "send failure", func() bool { return h.m.LastError() == msgSend })
	waitStatus(t, h.m, StatusIdle)
	if n := counterValue(t, h.reader, "aria.session.errors"); n != 1 {
		t.Errorf("aria.session.errors = %d; want exactly 1", n)
	}
}

// ── Transcript and configuration ──────────────────────────────────────────────

func TestManager_TranscriptKeptAfterStopClearedOnStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &s2smock.Provider{}, &devmock.Backend{}, Config{})
	sess := h.startListening(t)

	sess.Push(s2s.Message{InputTranscription: "hi", TurnComplete: true})
	waitFor(t, "turn pair", func() bool { return len(h.m.Transcript()) == 2 })

	if err := h.m.StopConversation(context.Background()); err != nil {
		t.Fatalf("StopConversation: %v", err)
	}
	if len(h.m.Transcript()) != 2 {
		t.Error("transcript cleared by stop")
	}

	if err := h.m.StartConversation(context.Background()); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if n := len(h.m.Transcript()); n != 0 {
		t.Errorf("transcript has %d turns after a new start; want 0", n)
	}
}

func TestManager_SetConfigAppliesToNextConversation(t *testing.T) {
	t.Parallel()
	p := &s2smock.Provider{}
	h := newHarness(t, p, &devmock.Backend{}, Config{Voice: "Kore"})
	h.startListening(t)

	h.m.SetConfig(Config{Voice: "Puck", Instructions: "Be brief."})
	if got := p.ConnectCalls()[0].Cfg.Voice; got != "Kore" {
		t.Errorf("first voice = %q; want Kore", got)
	}

	h.startListening(t)
	waitFor(t, "second connect", func() bool { return len(p.ConnectCalls()) == 2 })
	cfg := p.ConnectCalls()[1].Cfg
	if cfg.Voice != "Puck" || cfg.Instructions != "Be brief." {
		t.Errorf("second session cfg = %+v", cfg)
	}
}

func TestManager_Subscribe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &s2smock.Provider{}, &devmock.Backend{}, Config{})
	sub, cancel := h.m.Subscribe()

	if err := h.m.StartConversation(context.Background()); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-sub:
			if s.Status == StatusListening {
				if s.ConversationID == "" {
					t.Error("snapshot missing conversation id")
				}
				cancel()
				cancel()
				if _, ok := <-sub; ok {
					// A buffered value may remain; the next read must see the close.
					if _, ok := <-sub; ok {
						t.Error("channel open after unsubscribe")
					}
				}
				return
			}
		case <-timeout:
			t.Fatal("never observed listening snapshot")
		}
	}
}
