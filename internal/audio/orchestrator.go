// Package audio serializes speech requests from every caller into a single
// prioritized playback queue drained by one consumer.
package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-relay/internal/pubsub"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

var ErrNotInitialized = errors.New("audio orchestrator not initialized")

// eventBuffer is the per-subscriber backlog of undelivered events.
const eventBuffer = 256

// Synthesizer is the part of tts.Chain the orchestrator needs.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error)
	Test(ctx context.Context) error
}

// Player renders one item. Cancelling ctx must stop playback promptly.
type Player interface {
	Play(ctx context.Context, item *Item) error
}

type EventType string

const (
	EventQueued           EventType = "queued"
	EventPlaybackStarted  EventType = "playback_started"
	EventPlaybackFinished EventType = "playback_finished"
	EventPlaybackFailed   EventType = "playback_failed"
	EventInterrupted      EventType = "interrupted"
	EventCancelled        EventType = "cancelled"
	EventSynthesisFailed  EventType = "synthesis_failed"
	EventTextFallback     EventType = "text_fallback"
)

// Event reports something that happened to a speech request.
type Event struct {
	Type    EventType `json:"type"`
	ItemID  string    `json:"item_id,omitempty"`
	ChunkID string    `json:"chunk_id,omitempty"`
	Text    string    `json:"text,omitempty"`
	Error   string    `json:"error,omitempty"`
	Dropped int       `json:"dropped,omitempty"`
	At      time.Time `json:"at"`
}

// QueueState is an immutable snapshot of the orchestrator.
type QueueState struct {
	Enabled   bool      `json:"enabled"`
	Muted     bool      `json:"muted"`
	Playing   *Summary  `json:"playing,omitempty"`
	Pending   []Summary `json:"pending"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SpeakOptions struct {
	Priority Priority
	ChunkID  string
	Voice    string
	Speed    float64

	// FallbackToText turns provider exhaustion into a text fallback event
	// instead of an error.
	FallbackToText bool
}

type Options struct {
	Synthesizer  Synthesizer
	Player       Player
	Enabled      bool
	Muted        bool
	SmokeTest    bool
	DefaultVoice string
	Logger       *slog.Logger
	NewID        func() string
}

type playback struct {
	item   *Item
	cancel context.CancelFunc
}

// Orchestrator owns the playback queue. Construct one per process with New
// and pass it to whatever needs to speak.
type Orchestrator struct {
	synth  Synthesizer
	player Player
	logger *slog.Logger
	voice  string
	newID  func() string
	smoke  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu          sync.Mutex
	initialized bool
	enabled     bool
	muted       bool
	queue       *queue
	current     *playback

	// epoch advances on every CancelSpeech; audio synthesized or dequeued
	// under an older epoch is discarded.
	epoch uint64

	state  *pubsub.Broadcaster[QueueState]
	events *pubsub.Broadcaster[Event]
}

func New(ctx context.Context, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	player := opts.Player
	if player == nil {
		player = DiscardPlayer{}
	}
	ctx, cancel := context.WithCancel(ctx)
	o := &Orchestrator{
		synth:   opts.Synthesizer,
		player:  player,
		logger:  logger.With(slog.String("component", "audio")),
		voice:   opts.DefaultVoice,
		newID:   newID,
		smoke:   opts.SmokeTest,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		enabled: opts.Enabled,
		muted:   opts.Muted,
		queue:   newQueue(),
		state:   pubsub.New[QueueState](32, true),
		events:  pubsub.NewStream[Event](eventBuffer),
	}
	o.events.OnDrop(func(e Event) {
		o.logger.Warn("audio event dropped for slow subscriber",
			slog.String("type", string(e.Type)), slog.String("item", e.ItemID))
	})
	o.publishLocked()
	return o
}

// Initialize starts the playback consumer. Later calls do nothing. A failing
// smoke test is logged and otherwise ignored.
func (o *Orchestrator) Initialize(ctx context.Context) {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return
	}
	o.initialized = true
	o.mu.Unlock()

	if o.smoke && o.synth != nil {
		if err := o.synth.Test(ctx); err != nil {
			o.logger.Warn("tts smoke test failed", slog.String("error", err.Error()))
		} else {
			o.logger.Info("tts smoke test passed")
		}
	}

	o.wg.Add(1)
	go o.consume()
	o.logger.Info("audio orchestrator initialized")
}

// Speak synthesizes text and queues it. It returns once the item is queued,
// not once it has played. Disabled or muted output is a silent no-op.
func (o *Orchestrator) Speak(ctx context.Context, text string, opts SpeakOptions) error {
	o.mu.Lock()
	initialized, enabled, muted, epoch := o.initialized, o.enabled, o.muted, o.epoch
	o.mu.Unlock()
	if !enabled || muted {
		return nil
	}
	if !initialized || o.synth == nil {
		return ErrNotInitialized
	}

	voice := opts.Voice
	if voice == "" {
		voice = o.voice
	}
	out, err := o.synth.Synthesize(ctx, tts.Request{Text: text, Voice: voice, Speed: opts.Speed})
	if err != nil {
		o.logger.Error("speech synthesis failed", slog.String("error", err.Error()))
		o.events.Publish(Event{Type: EventSynthesisFailed, ChunkID: opts.ChunkID, Text: text, Error: err.Error(), At: time.Now().UTC()})
		if opts.FallbackToText {
			o.events.Publish(Event{Type: EventTextFallback, ChunkID: opts.ChunkID, Text: text, At: time.Now().UTC()})
			return nil
		}
		return err
	}

	item := &Item{
		ID:        o.newID(),
		Audio:     out,
		Text:      text,
		Priority:  opts.Priority,
		ChunkID:   opts.ChunkID,
		Timestamp: time.Now().UTC(),
	}
	return o.enqueue(item, epoch)
}

// enqueue silently drops item when speech was cancelled, muted or disabled
// while it was being synthesized.
func (o *Orchestrator) enqueue(item *Item, epoch uint64) error {
	o.mu.Lock()
	if epoch != o.epoch || o.muted || !o.enabled {
		o.mu.Unlock()
		o.logger.Debug("discarding speech cancelled during synthesis", slog.String("item", item.ID))
		return nil
	}
	if err := o.queue.push(item); err != nil {
		o.mu.Unlock()
		return err
	}
	o.publishLocked()
	o.mu.Unlock()

	o.events.Publish(Event{Type: EventQueued, ItemID: item.ID, ChunkID: item.ChunkID, Text: item.Text, At: time.Now().UTC()})
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Interrupt stops the item currently playing. Queued items stay queued and
// the consumer moves on to the next one. It reports whether anything was
// playing.
func (o *Orchestrator) Interrupt() bool {
	o.mu.Lock()
	cur := o.current
	if cur == nil {
		o.mu.Unlock()
		return false
	}
	o.current = nil
	cur.cancel()
	o.publishLocked()
	o.mu.Unlock()

	o.events.Publish(Event{Type: EventInterrupted, ItemID: cur.item.ID, ChunkID: cur.item.ChunkID, At: time.Now().UTC()})
	return true
}

// CancelSpeech drops every queued item and stops current playback. It
// returns how many queued items were dropped.
func (o *Orchestrator) CancelSpeech() int {
	o.mu.Lock()
	o.epoch++
	dropped := o.queue.clear()
	cur := o.current
	o.current = nil
	if cur != nil {
		cur.cancel()
	}
	o.publishLocked()
	o.mu.Unlock()

	ev := Event{Type: EventCancelled, Dropped: dropped, At: time.Now().UTC()}
	if cur != nil {
		ev.ItemID = cur.item.ID
	}
	o.events.Publish(ev)
	return dropped
}

// SetMuted toggles output. Muting also cancels pending speech.
func (o *Orchestrator) SetMuted(muted bool) {
	o.mu.Lock()
	changed := o.muted != muted
	o.muted = muted
	o.publishLocked()
	o.mu.Unlock()
	if changed && muted {
		o.CancelSpeech()
	}
}

// SetEnabled toggles voice output entirely. Disabling cancels pending speech.
func (o *Orchestrator) SetEnabled(enabled bool) {
	o.mu.Lock()
	changed := o.enabled != enabled
	o.enabled = enabled
	o.publishLocked()
	o.mu.Unlock()
	if changed && !enabled {
		o.CancelSpeech()
	}
}

func (o *Orchestrator) State() QueueState {
	s, _ := o.state.Latest()
	return s
}

func (o *Orchestrator) Subscribe(fn func(QueueState)) func() {
	return o.state.Subscribe(fn)
}

func (o *Orchestrator) SubscribeEvents(fn func(Event)) func() {
	return o.events.Subscribe(fn)
}

// Close stops the consumer and any playback in progress.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
	o.state.Close()
	o.events.Close()
}

func (o *Orchestrator) consume() {
	defer o.wg.Done()
	for {
		item, epoch, ok := o.next()
		if !ok {
			return
		}
		o.play(item, epoch)
	}
}

// next blocks until an item is available or the orchestrator closes.
func (o *Orchestrator) next() (*Item, uint64, bool) {
	for {
		o.mu.Lock()
		item, ok := o.queue.pop()
		epoch := o.epoch
		o.mu.Unlock()
		if ok {
			return item, epoch, true
		}
		select {
		case <-o.ctx.Done():
			return nil, 0, false
		case <-o.wake:
		}
	}
}

func (o *Orchestrator) play(item *Item, epoch uint64) {
	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	pb := &playback{item: item, cancel: cancel}

	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return
	}
	o.current = pb
	o.publishLocked()
	o.mu.Unlock()

	o.events.Publish(Event{Type: EventPlaybackStarted, ItemID: item.ID, ChunkID: item.ChunkID, At: time.Now().UTC()})
	err := o.player.Play(ctx, item)
	stopped := ctx.Err() != nil

	o.mu.Lock()
	if o.current == pb {
		o.current = nil
		o.publishLocked()
	}
	o.mu.Unlock()

	switch {
	case stopped:
		// Interrupt or CancelSpeech already reported it.
	case err != nil:
		o.logger.Warn("playback failed", slog.String("item", item.ID), slog.String("error", err.Error()))
		o.events.Publish(Event{Type: EventPlaybackFailed, ItemID: item.ID, ChunkID: item.ChunkID, Error: err.Error(), At: time.Now().UTC()})
	default:
		o.events.Publish(Event{Type: EventPlaybackFinished, ItemID: item.ID, ChunkID: item.ChunkID, At: time.Now().UTC()})
	}
}

func (o *Orchestrator) publishLocked() {
	s := QueueState{
		Enabled:   o.enabled,
		Muted:     o.muted,
		Pending:   o.queue.pending(),
		UpdatedAt: time.Now().UTC(),
	}
	if o.current != nil {
		sum := o.current.item.summary()
		s.Playing = &sum
	}
	o.state.Publish(s)
}
