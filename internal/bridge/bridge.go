// Package bridge exposes the relay on the message bus: state snapshots are
// published as they change and request subjects drive speech and chat.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/connection"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// Connection is the part of connection.Manager the bridge drives.
type Connection interface {
	Connect(ctx context.Context, userID, token string) (bool, error)
	Disconnect()
	SendMessage(ctx context.Context, text string, extra map[string]any) (protocol.Inbound, error)
	Subscribe(fn func(connection.Status)) func()
	SubscribeMessages(fn func(protocol.Inbound)) func()
}

// Speaker is the part of audio.Orchestrator the bridge drives.
type Speaker interface {
	Speak(ctx context.Context, text string, opts audio.SpeakOptions) error
	Interrupt() bool
	CancelSpeech() int
	Subscribe(fn func(audio.QueueState)) func()
	SubscribeEvents(fn func(audio.Event)) func()
}

type Options struct {
	// RequestTimeout bounds a single speak or chat request.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Bridge struct {
	bus     *bus.Client
	conn    Connection
	speaker Speaker
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	unsubs []func()
}

func New(client *bus.Client, conn Connection, speaker Speaker, opts Options) *Bridge {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = client.Logger()
	}
	return &Bridge{
		bus:     client,
		conn:    conn,
		speaker: speaker,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "bridge")),
	}
}

// Start subscribes to request subjects and begins publishing snapshots.
func (b *Bridge) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, []byte) protocol.Reply{
		protocol.SubjectConnect: b.handleConnect,
		protocol.SubjectClose:   b.handleDisconnect,
		protocol.SubjectChat:    b.handleChat,
	}
	if b.speaker != nil {
		handlers[protocol.SubjectSpeak] = b.handleSpeak
		handlers[protocol.SubjectInterrupt] = b.handleInterrupt
		handlers[protocol.SubjectCancel] = b.handleCancel
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, h := range handlers {
		subject := b.bus.Subject(name)
		sub, err := b.bus.Conn().Subscribe(subject, b.serve(ctx, subject, h))
		if err != nil {
			b.closeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}

	b.unsubs = append(b.unsubs,
		b.conn.Subscribe(func(s connection.Status) { b.publish(protocol.SubjectStatus, s) }),
		b.conn.SubscribeMessages(func(m protocol.Inbound) { b.publish(protocol.SubjectInbound, m) }),
	)
	if b.speaker != nil {
		b.unsubs = append(b.unsubs,
			b.speaker.Subscribe(func(s audio.QueueState) { b.publish(protocol.SubjectQueue, s) }),
			b.speaker.SubscribeEvents(func(e audio.Event) { b.publish(protocol.SubjectEvents, e) }),
		)
	}
	b.logger.Info("bus bridge started", slog.Int("subjects", len(b.subs)))
	return nil
}

func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *Bridge) closeLocked() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.subs = nil
	b.unsubs = nil
}

func (b *Bridge) publish(name string, v any) {
	if err := b.bus.PublishJSON(name, v); err != nil {
		b.logger.Warn("bus publish failed", slog.String("subject", name), slog.String("error", err.Error()))
	}
}

func (b *Bridge) serve(ctx context.Context, subject string, h func(context.Context, []byte) protocol.Reply) nats.MsgHandler {
	return func(msg *nats.Msg) {
		reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		reply := h(reqCtx, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			b.logger.Warn("marshal reply failed", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		if err := msg.Respond(data); err != nil {
			b.logger.Warn("respond failed", slog.String("subject", subject), slog.String("error", err.Error()))
		}
	}
}

func failure(err error) protocol.Reply {
	return protocol.Reply{OK: false, Error: err.Error()}
}

func (b *Bridge) handleSpeak(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return failure(fmt.Errorf("decode speak request: %w", err))
	}
	prio, err := audio.ParsePriority(req.Priority)
	if err != nil {
		return failure(err)
	}
	err = b.speaker.Speak(ctx, req.Text, audio.SpeakOptions{
		Priority:       prio,
		ChunkID:        req.ChunkID,
		Voice:          req.Voice,
		FallbackToText: req.FallbackToText,
	})
	if err != nil {
		return failure(err)
	}
	return protocol.Reply{OK: true}
}

func (b *Bridge) handleInterrupt(context.Context, []byte) protocol.Reply {
	if b.speaker.Interrupt() {
		return protocol.Reply{OK: true, Content: "interrupted"}
	}
	return protocol.Reply{OK: true, Content: "idle"}
}

func (b *Bridge) handleCancel(context.Context, []byte) protocol.Reply {
	return protocol.Reply{OK: true, Content: strconv.Itoa(b.speaker.CancelSpeech())}
}

func (b *Bridge) handleChat(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return failure(fmt.Errorf("decode chat request: %w", err))
	}
	if req.Message == "" {
		return failure(errors.New("message is required"))
	}
	msg, err := b.conn.SendMessage(ctx, req.Message, req.Context)
	if err != nil {
		return failure(err)
	}
	text := msg.Text()
	if req.Speak && b.speaker != nil && text != "" {
		if err := b.speaker.Speak(ctx, text, audio.SpeakOptions{FallbackToText: true}); err != nil {
			b.logger.Warn("speaking reply failed", slog.String("error", err.Error()))
		}
	}
	return protocol.Reply{OK: true, Kind: msg.Kind, Content: text}
}

func (b *Bridge) handleConnect(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.ConnectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return failure(fmt.Errorf("decode connect request: %w", err))
	}
	started, err := b.conn.Connect(ctx, req.UserID, req.Token)
	if err != nil {
		return failure(err)
	}
	if !started {
		return protocol.Reply{OK: false, Error: "connection attempt already in progress"}
	}
	return protocol.Reply{OK: true}
}

func (b *Bridge) handleDisconnect(context.Context, []byte) protocol.Reply {
	b.conn.Disconnect()
	return protocol.Reply{OK: true}
}
