package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/aria/internal/observe"
	"github.com/MrWong99/aria/pkg/audio"
	"github.com/MrWong99/aria/pkg/audio/device"
	"github.com/MrWong99/aria/pkg/provider/s2s"
)

// DefaultVoice is the prebuilt voice requested when none is configured.
const DefaultVoice = "Zephyr"

// DefaultInstructions is the system instruction of the English tutor persona.
const DefaultInstructions = `You are Aria, a friendly and patient AI English language tutor. Your goal is to help me practice my English conversation skills.
1. Engage in natural, everyday conversation.
2. Listen carefully to what I say.
3. If I make a grammatical mistake, a pronunciation error, or use an unnatural phrase, please gently correct me.
4. After providing the correction, briefly explain why it's better. For example, "Instead of 'I am agree', it's more natural to say 'I agree'. 'Agree' is a verb and doesn't need 'am'."
5. Keep your corrections concise and encouraging.
6. Maintain a positive and supportive tone throughout our conversation. Let's start with a simple greeting.`

// Config holds the per-conversation session settings.
type Config struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the prebuilt voice name. Empty means [DefaultVoice].
	Voice string

	// Instructions is the system instruction. Empty means [DefaultInstructions].
	Instructions string

	// FrameSize is the capture frame length in samples. Zero means
	// [DefaultFrameSize].
	FrameSize int

	// SendQueueSize bounds the frames buffered ahead of the session. Zero
	// means [DefaultSendQueueSize].
	SendQueueSize int

	// ConnectTimeout bounds opening the session. Zero means no timeout.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.Instructions == "" {
		c.Instructions = DefaultInstructions
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	return c
}

// Snapshot is a consistent view of the conversation state.
type Snapshot struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Status         Status `json:"status"`
	Transcript     []Turn `json:"transcript"`
	LastError      string `json:"last_error,omitempty"`
}

// Option is a functional option for configuring a [Manager].
type Option func(*Manager)

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// resources is everything one active conversation owns. Exactly one bundle
// exists while the manager is not idle; teardown releases all of it.
type resources struct {
	gen     uint64
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	span    *observe.ConversationSpan
	log     *slog.Logger
	started time.Time
	cfg     Config

	output    device.OutputContext
	scheduler *Scheduler
	sender    *sender
	session   s2s.Session
	capture   *Capture
}

// Manager runs the conversation state machine
// Idle → Connecting → Listening ⇄ Speaking → Idle.
//
// All methods are safe for concurrent use.
type Manager struct {
	provider s2s.Provider
	backend  device.Backend
	metrics  *observe.Metrics

	cfgMu sync.Mutex
	cfg   Config

	inbox *inbox
	done  chan struct{}

	// Loop-owned state.
	status     Status
	transcript []Turn
	pending    Accumulator
	lastError  string
	gen        uint64
	res        *resources

	// Published state.
	snapMu  sync.RWMutex
	snap    Snapshot
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool
}

// New creates a Manager and starts its event loop. Call [Manager.Close] to
// stop the loop and release any active conversation.
func New(provider s2s.Provider, backend device.Backend, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		backend:  backend,
		cfg:      cfg,
		inbox:    newInbox(),
		done:     make(chan struct{}),
		subs:     make(map[int]chan Snapshot),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.snap = Snapshot{Status: StatusIdle, Transcript: []Turn{}}
	go m.run()
	return m
}

// SetConfig replaces the session settings. The change applies to the next
// conversation; an active one keeps the settings it started with.
func (m *Manager) SetConfig(cfg Config) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg = cfg
}

func (m *Manager) config() Config {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg.withDefaults()
}

// ── Commands ──────────────────────────────────────────────────────────────────

// StartConversation begins a new conversation. An active conversation is
// torn down first. It returns once the manager is Connecting; the session
// opens asynchronously. A missing credential fails synchronously with a
// [ConfigurationError].
func (m *Manager) StartConversation(ctx context.Context) error {
	return m.command(ctx, func(reply chan error) event { return startCmd{ctx: ctx, reply: reply} })
}

// StopConversation tears down the active conversation and returns to Idle.
// It is safe while connecting and a no-op when already idle.
func (m *Manager) StopConversation(ctx context.Context) error {
	return m.command(ctx, func(reply chan error) event { return stopCmd{reply: reply} })
}

// Close stops any active conversation and terminates the event loop. It
// blocks until the loop has exited. Subsequent calls return nil; other
// commands return [ErrClosed].
func (m *Manager) Close() error {
	select {
	case <-m.done:
		return nil
	default:
	}
	reply := make(chan error, 1)
	m.inbox.put(closeCmd{reply: reply})
	<-m.done
	return nil
}

func (m *Manager) command(ctx context.Context, build func(chan error) event) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	reply := make(chan error, 1)
	m.inbox.put(build(reply))
	select {
	case err := <-reply:
		return err
	case <-m.done:
		// The loop may have answered just before exiting.
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Observers ─────────────────────────────────────────────────────────────────

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.Status
}

// Transcript returns a copy of all finalised turns.
func (m *Manager) Transcript() []Turn {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return append([]Turn(nil), m.snap.Transcript...)
}

// LastError returns the most recent user-visible error message, or "".
func (m *Manager) LastError() string {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.LastError
}

// Snapshot returns status, transcript and last error as one consistent view.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	s := m.snap
	s.Transcript = append([]Turn{}, m.snap.Transcript...)
	return s
}

// Subscribe returns a channel that receives a Snapshot after every change.
// Delivery keeps only the latest snapshot when the reader falls behind. The
// returned function unsubscribes and closes the channel; the channel is also
// closed when the manager closes.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	ch := make(chan Snapshot, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.snapMu.Lock()
			defer m.snapMu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// ── Event loop ────────────────────────────────────────────────────────────────

func (m *Manager) post(ev event) { m.inbox.put(ev) }

func (m *Manager) run() {
	defer close(m.done)
	for range m.inbox.ready {
		for _, ev := range m.inbox.take() {
			if exit := m.handle(ev); exit {
				m.closeSubscribers()
				return
			}
		}
	}
}

// handle processes one event and reports whether the loop must exit.
func (m *Manager) handle(ev event) bool {
	switch ev := ev.(type) {
	case startCmd:
		err := m.start(ev.ctx)
		m.publish()
		ev.reply <- err
	case stopCmd:
		m.teardown("stopped")
		m.publish()
		ev.reply <- nil
	case closeCmd:
		m.teardown("closed")
		m.publish()
		ev.reply <- nil
		return true
	case sessionOpened:
		m.onSessionOpened(ev)
	case micOpened:
		m.onMicOpened(ev)
	case sessionMessage:
		if m.current(ev.gen) {
			m.onMessage(ev.msg)
		}
	case sessionEnded:
		m.onSessionEnded(ev)
	case sendFailed:
		if !m.current(ev.gen) {
			break
		}
		// A closed session is reported by the read loop as sessionEnded.
		if errors.Is(ev.err, s2s.ErrSessionClosed) {
			m.res.log.Debug("conversation: send after session closed", "err", ev.err)
			break
		}
		m.fail(newError(SendFailure, ev.err))
	case dispatched:
		if m.current(ev.gen) {
			ev.fn()
		}
	}
	m.publish()
	return false
}

// current reports whether gen is the live bundle.
func (m *Manager) current(gen uint64) bool {
	return m.res != nil && m.res.gen == gen
}

// start runs on the loop.
func (m *Manager) start(parent context.Context) error {
	if m.res != nil {
		m.teardown("superseded")
	}

	if v, ok := m.provider.(s2s.Validator); ok {
		if err := v.Validate(); err != nil {
			e := newError(ConfigurationError, err)
			m.report(context.Background(), slog.Default(), e)
			return e
		}
	}

	m.transcript = nil
	m.pending.Reset()
	m.lastError = ""

	cfg := m.config()
	m.gen++
	gen := m.gen
	id := uuid.NewString()

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	ctx, span := observe.StartConversation(ctx, id)
	log := span.Log

	output, err := m.backend.OpenOutput(ctx, audio.OutputSampleRate, 1)
	if err != nil {
		cancel()
		e := newError(UnexpectedError, fmt.Errorf("open playback device: %w", err))
		span.Fail(e, e.Kind.String())
		span.End(e.Kind.String())
		m.report(ctx, log, e)
		return e
	}

	r := &resources{
		gen:     gen,
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		log:     log,
		started: time.Now(),
		cfg:     cfg,
		output:  output,
	}
	r.scheduler = NewScheduler(output,
		func(fn func()) { m.post(dispatched{gen: gen, fn: fn}) },
		m.onPlaybackDrained,
	)
	r.sender = newSender(cfg.SendQueueSize, audio.MIMEInputPCM, senderHooks{
		sent: func() { m.metrics.FramesSent.Add(ctx, 1) },
		dropped: func() {
			m.metrics.FramesDropped.Add(ctx, 1)
			log.Error("conversation: send queue full, dropping capture frame")
		},
		failed: func(err error) { m.post(sendFailed{gen: gen, err: err}) },
	})
	m.res = r
	m.status = StatusConnecting
	m.metrics.ActiveConversations.Add(ctx, 1)

	log.Info("conversation: connecting", "voice", cfg.Voice)
	go m.connect(r)
	return nil
}

// connect opens the session off the loop and posts the result.
func (m *Manager) connect(r *resources) {
	ctx := r.ctx
	if r.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		defer cancel()
	}
	start := time.Now()
	sess, err := m.provider.Connect(ctx, s2s.SessionConfig{
		Model:               r.cfg.Model,
		Voice:               r.cfg.Voice,
		Instructions:        r.cfg.Instructions,
		ResponseModalities:  []s2s.Modality{s2s.ModalityAudio},
		InputTranscription:  true,
		OutputTranscription: true,
	})
	m.post(sessionOpened{gen: r.gen, session: sess, err: err, elapsed: time.Since(start)})
}

func (m *Manager) onSessionOpened(ev sessionOpened) {
	if !m.current(ev.gen) {
		// Late result of a stopped or superseded conversation.
		if ev.session != nil {
			if err := ev.session.Close(); err != nil {
				slog.Warn("conversation: failed to close late session", "err", err)
			}
		}
		return
	}
	r := m.res
	if ev.err != nil {
		m.fail(classifyConnectErr(ev.err))
		return
	}

	r.session = ev.session
	m.metrics.ConnectDuration.Record(r.ctx, ev.elapsed.Seconds())
	r.log.Info("conversation: session open", "elapsed", ev.elapsed)

	r.sender.bindSession(ev.session)
	go m.readMessages(r.gen, ev.session)
	go m.openMicrophone(r)
}

func classifyConnectErr(err error) *Error {
	switch {
	case errors.Is(err, s2s.ErrMissingCredential):
		return newError(ConfigurationError, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(TransportError, fmt.Errorf("connect timed out: %w", err))
	default:
		return newError(UnexpectedError, err)
	}
}

// readMessages forwards server events until the session ends.
func (m *Manager) readMessages(gen uint64, sess s2s.Session) {
	for msg := range sess.Messages() {
		m.post(sessionMessage{gen: gen, msg: msg})
	}
	m.post(sessionEnded{gen: gen, err: sess.Err()})
}

func (m *Manager) openMicrophone(r *resources) {
	stream, err := m.backend.OpenMicrophone(r.ctx, audio.InputSampleRate, 1)
	m.post(micOpened{gen: r.gen, stream: stream, err: err})
}

func (m *Manager) onMicOpened(ev micOpened) {
	if !m.current(ev.gen) {
		if ev.stream != nil {
			if err := ev.stream.Close(); err != nil {
				slog.Warn("conversation: failed to close late microphone", "err", err)
			}
		}
		return
	}
	r := m.res
	if ev.err != nil {
		m.fail(newError(MicrophonePermissionError, ev.err))
		return
	}

	snd := r.sender
	c, err := StartCapture(ev.stream, r.cfg.FrameSize, 1, func(encoded string) { snd.push(encoded) })
	if err != nil {
		if cerr := ev.stream.Close(); cerr != nil {
			r.log.Warn("conversation: failed to close microphone", "err", cerr)
		}
		m.fail(newError(UnexpectedError, err))
		return
	}
	r.capture = c
	if m.status == StatusConnecting {
		m.status = StatusListening
	}
	r.log.Info("conversation: listening")
}

// onMessage applies one server event. Parts are handled in a fixed order:
// input transcription, output transcription, audio, turn complete,
// interruption.
func (m *Manager) onMessage(msg s2s.Message) {
	r := m.res

	if msg.InputTranscription != "" {
		m.pending.AppendUser(msg.InputTranscription)
	}
	if msg.OutputTranscription != "" {
		m.pending.AppendModel(msg.OutputTranscription)
		m.status = StatusSpeaking
	}
	if msg.Audio != nil && msg.Audio.Data != "" {
		m.playChunk(r, msg.Audio)
	}
	if msg.TurnComplete {
		user, model := m.pending.Finalize()
		m.transcript = append(m.transcript, user, model)
		m.metrics.Turns.Add(r.ctx, 1)
		if r.scheduler.Active() == 0 {
			m.status = StatusListening
		}
	}
	if msg.Interrupted {
		r.scheduler.FlushAll()
		m.metrics.Interruptions.Add(r.ctx, 1)
		m.status = StatusListening
		r.log.Debug("conversation: interrupted")
	}
}

// playChunk decodes and schedules one audio chunk. Malformed chunks are
// dropped without ending the conversation.
func (m *Manager) playChunk(r *resources, blob *s2s.Blob) {
	raw, err := audio.DecodeChunk(blob.Data)
	var buf *audio.Buffer
	if err == nil {
		buf, err = audio.DecodePlayableAudio(raw, audio.OutputSampleRate, 1)
	}
	if err != nil {
		e := newError(MalformedAudioError, err)
		m.metrics.MalformedAudio.Add(r.ctx, 1)
		m.metrics.RecordSessionError(r.ctx, e.Kind.String())
		r.log.Warn("conversation: dropping malformed audio chunk", "bytes", len(blob.Data), "err", err)
		return
	}
	r.scheduler.Enqueue(buf, r.output.CurrentTime())
	m.metrics.PlaybackChunks.Add(r.ctx, 1)
	m.status = StatusSpeaking
}

// onPlaybackDrained runs on the loop when the last scheduled chunk ends.
func (m *Manager) onPlaybackDrained() {
	if m.status == StatusSpeaking {
		m.status = StatusListening
	}
}

func (m *Manager) onSessionEnded(ev sessionEnded) {
	if !m.current(ev.gen) {
		return
	}
	if ev.err != nil {
		m.fail(newError(TransportError, ev.err))
		return
	}
	m.res.log.Info("conversation: session closed by remote")
	m.teardown("remote close")
}

// fail reports e once and tears the conversation down.
func (m *Manager) fail(e *Error) {
	if r := m.res; r != nil {
		r.span.Fail(e, e.Kind.String())
		m.report(r.ctx, r.log, e)
	} else {
		m.report(context.Background(), slog.Default(), e)
	}
	m.teardown(e.Kind.String())
}

// report stores the user-visible message and records the error.
func (m *Manager) report(ctx context.Context, log *slog.Logger, e *Error) {
	m.lastError = e.Message
	m.metrics.RecordSessionError(ctx, e.Kind.String())
	log.Error("conversation: "+e.Kind.String(), "err", e.Err)
}

// teardown releases the active bundle and returns to Idle. Release errors are
// logged, never returned. It is a no-op when idle.
func (m *Manager) teardown(reason string) {
	r := m.res
	m.res = nil
	m.pending.Reset()
	m.status = StatusIdle
	if r == nil {
		return
	}

	if r.capture != nil {
		r.capture.Stop()
	}
	r.sender.stop()
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.log.Warn("conversation: failed to close session", "err", err)
		}
	}
	r.scheduler.Drain()
	if err := r.output.Close(); err != nil {
		r.log.Warn("conversation: failed to close playback device", "err", err)
	}
	r.cancel()

	m.metrics.ActiveConversations.Add(r.ctx, -1)
	m.metrics.ConversationDuration.Record(r.ctx, time.Since(r.started).Seconds())
	r.span.End(reason)
	r.log.Info("conversation: ended", "reason", reason, "turns", len(m.transcript)/2)
}

// ── Publication ───────────────────────────────────────────────────────────────

// publish copies loop state into the shared snapshot and notifies
// subscribers when anything visible changed.
func (m *Manager) publish() {
	id := ""
	if m.res != nil {
		id = m.res.id
	}

	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	prev := m.snap
	if prev.Status == m.status && prev.LastError == m.lastError &&
		prev.ConversationID == id && len(prev.Transcript) == len(m.transcript) {
		return
	}
	m.snap = Snapshot{
		ConversationID: id,
		Status:         m.status,
		Transcript:     append([]Turn{}, m.transcript...),
		LastError:      m.lastError,
	}
	for _, ch := range m.subs {
		notify(ch, m.snap)
	}
}

// notify delivers s to a one-slot channel, replacing a stale value.
func notify(ch chan Snapshot, s Snapshot) {
	s.Transcript = append([]Turn{}, s.Transcript...)
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

func (m *Manager) closeSubscribers() {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
