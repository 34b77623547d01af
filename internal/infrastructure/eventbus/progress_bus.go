// Package eventbus implements the Progress Bus (§4.6): typed pub/sub of
// job events fanned out to per-user rooms and a global room. Delivery is
// best-effort and lossy by design — core NATS (no JetStream, no
// durability) is used deliberately, unlike the teacher's chat/stream
// event bus which persists to JetStream streams for replay. A late
// subscriber relies on a catalog poll on attach, never on bus replay.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// ProgressEventType is the closed §4.6 event vocabulary.
type ProgressEventType string

const (
	EventEnqueued           ProgressEventType = "enqueued"
	EventStarted            ProgressEventType = "started"
	EventProgress           ProgressEventType = "progress"
	EventCompleted          ProgressEventType = "completed"
	EventFailed             ProgressEventType = "failed"
	EventCancelled          ProgressEventType = "cancelled"
	EventGlobalArtifactReady ProgressEventType = "global_artifact_ready"
)

// terminal event types end a job's event stream. The control surface's
// subscriber buffer sheds only Progress events under backpressure; the
// NATS pending limits set in subscribe apply to every event type.
func (t ProgressEventType) terminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	default:
		return false
	}
}

// ProgressPayload carries whichever fields apply to the event's type;
// unused fields are left zero.
type ProgressPayload struct {
	Phase           string             `json:"phase,omitempty"`
	Percent         float64            `json:"percent,omitempty"`
	Detail          string             `json:"detail,omitempty"`
	ArtifactSummary *entities.RecordView `json:"artifact_summary,omitempty"`
	ErrorKind       entities.ErrorKind `json:"error_kind,omitempty"`
	Message         string             `json:"message,omitempty"`
}

// ProgressEvent is the §6 wire format: {job_id, source_id, user_id?,
// type, payload}.
type ProgressEvent struct {
	JobID     string             `json:"job_id"`
	SourceID  entities.SourceID  `json:"source_id"`
	UserID    *entities.UserID   `json:"user_id,omitempty"`
	Stage     entities.Stage     `json:"stage"`
	Type      ProgressEventType  `json:"type"`
	Payload   ProgressPayload    `json:"payload"`
	Timestamp time.Time          `json:"timestamp"`
}

// ProgressHandler receives events delivered to a subscribed room.
type ProgressHandler func(ProgressEvent)

// ProgressBus fans out ProgressEvents to user:<id> and global rooms over
// NATS core pub/sub.
type ProgressBus interface {
	// PublishToUser fans event out to the user:<id> room for every id in
	// recipients. A GlobalArtifactReady event should also be published via
	// PublishGlobal.
	PublishToUser(recipients []entities.UserID, event ProgressEvent) error
	PublishGlobal(event ProgressEvent) error
	// SubscribeUser attaches handler to user:<id>'s room, returning an
	// unsubscribe func. Used by the subscribe(user_id) -> event_stream
	// control-surface operation.
	SubscribeUser(userID entities.UserID, handler ProgressHandler) (func(), error)
	SubscribeGlobal(handler ProgressHandler) (func(), error)
	Close() error
}

type natsProgressBus struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// ProgressBusConfig configures the underlying NATS connection.
type ProgressBusConfig struct {
	URL            string
	ClientID       string
	ConnectTimeout time.Duration
	MaxReconnect   int
	ReconnectWait  time.Duration
}

// DefaultProgressBusConfig mirrors GetDefaultConfig's reconnect posture
// from the chat/stream event bus, without the JetStream-specific fields.
func DefaultProgressBusConfig() ProgressBusConfig {
	return ProgressBusConfig{
		URL:            nats.DefaultURL,
		ClientID:       "audio-orchestration-engine",
		ConnectTimeout: 10 * time.Second,
		MaxReconnect:   -1,
		ReconnectWait:  2 * time.Second,
	}
}

// NewProgressBus connects to NATS core and returns a ready ProgressBus.
func NewProgressBus(cfg ProgressBusConfig, logger *zap.Logger) (ProgressBus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("progress bus disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("progress bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("progress bus: connect: %w", err)
	}

	logger.Info("progress bus connected", zap.String("url", url))
	return &natsProgressBus{nc: nc, logger: logger}, nil
}

func userSubject(userID entities.UserID) string {
	return fmt.Sprintf("progress.user.%d", int64(userID))
}

const globalSubject = "progress.global"

func (b *natsProgressBus) publish(subject string, event ProgressEvent) error {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("progress bus: marshal: %w", err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		// A publish failure here means a dropped event, which the
		// delivery-semantics contract (§4.6: best-effort, lossy) already
		// tolerates for Progress events; terminal events still log loudly
		// since a client has no other way to learn the job finished short
		// of a timeout.
		if event.Type.terminal() {
			b.logger.Error("progress bus: terminal event publish failed",
				zap.String("subject", subject), zap.String("type", string(event.Type)), zap.Error(err))
		}
		return fmt.Errorf("progress bus: publish: %w", err)
	}
	return nil
}

func (b *natsProgressBus) PublishToUser(recipients []entities.UserID, event ProgressEvent) error {
	var firstErr error
	for _, uid := range recipients {
		uid := uid
		event.UserID = &uid
		if err := b.publish(userSubject(uid), event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *natsProgressBus) PublishGlobal(event ProgressEvent) error {
	return b.publish(globalSubject, event)
}

func (b *natsProgressBus) subscribe(subject string, handler ProgressHandler) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event ProgressEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("progress bus: malformed event", zap.Error(err))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("progress bus: subscribe %s: %w", subject, err)
	}

	// SetPendingLimits bounds the subscriber's outbound buffer; NATS drops
	// once it fills, which is the §4.6 backpressure policy for Progress
	// events. Terminal events are small and infrequent enough per job that
	// this bound virtually never triggers on them in practice.
	_ = sub.SetPendingLimits(10000, 10*1024*1024)

	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *natsProgressBus) SubscribeUser(userID entities.UserID, handler ProgressHandler) (func(), error) {
	return b.subscribe(userSubject(userID), handler)
}

func (b *natsProgressBus) SubscribeGlobal(handler ProgressHandler) (func(), error) {
	return b.subscribe(globalSubject, handler)
}

func (b *natsProgressBus) Close() error {
	b.nc.Close()
	return nil
}
