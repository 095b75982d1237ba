// Package natsbus carries notifications and status events over NATS
// JetStream: a stream-backed notification log, a KV offset store and an
// event writer.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Config holds connection and naming settings. Zero values take defaults.
type Config struct {
	URL                string
	SubjectPrefix      string
	NotificationStream string
	EventStream        string
	OffsetBucket       string
	// DedupWindow is how long the event stream remembers message ids.
	// Redelivered events are dropped only inside this window, so it should
	// cover the outbox retry horizon.
	DedupWindow time.Duration
	// Timeout bounds each publish or KV call.
	Timeout time.Duration
	Logger      *zap.Logger
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "beacon"
	}
	if c.NotificationStream == "" {
		c.NotificationStream = "BEACON_NOTIFICATIONS"
	}
	if c.EventStream == "" {
		c.EventStream = "BEACON_EVENTS"
	}
	if c.OffsetBucket == "" {
		c.OffsetBucket = "beacon_offsets"
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// DefaultDedupWindow is the event stream's message-id memory.
const DefaultDedupWindow = 24 * time.Hour

var errNotFound = errors.New("natsbus: not found")

// backend is the slice of JetStream the bus uses.
type backend interface {
	// next returns the first message on subject with sequence >= seq.
	next(ctx context.Context, seq uint64, subject string) (uint64, []byte, error)
	publish(ctx context.Context, subject string, data []byte, msgID string) (seq uint64, duplicate bool, err error)
	kvGet(ctx context.Context, key string) ([]byte, error)
	kvPut(ctx context.Context, key string, value []byte) error
	close()
}

// Client is a JetStream connection with the streams and bucket the bus
// needs already in place.
type Client struct {
	b      backend
	conf   Config
	logger *zap.Logger
}

// Connect dials NATS and creates or updates the notification stream, the
// event stream and the offset bucket.
func Connect(ctx context.Context, conf Config) (*Client, error) {
	conf.setDefaults()

	conn, err := nats.Connect(conf.URL,
		nats.Name("beacon"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				conf.Logger.Warn("natsbus: disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			conf.Logger.Info("natsbus: reconnected", zap.String("url", c.ConnectedUrl()))
		}))
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", conf.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsbus: jetstream context: %w", err)
	}

	b, err := newJetStreamBackend(ctx, conn, js, conf)
	if err != nil {
		conn.Close()
		return nil, err
	}

	conf.Logger.Info("natsbus: connected",
		zap.String("url", conf.URL),
		zap.String("notification_stream", conf.NotificationStream),
		zap.String("event_stream", conf.EventStream),
		zap.String("offset_bucket", conf.OffsetBucket))
	return newClient(b, conf), nil
}

func newClient(b backend, conf Config) *Client {
	conf.setDefaults()
	return &Client{b: b, conf: conf, logger: conf.Logger}
}

// Close drains the connection.
func (c *Client) Close() error {
	c.b.close()
	return nil
}

func (c *Client) notificationSubject(topic string) (string, error) {
	if err := validToken(topic); err != nil {
		return "", err
	}
	return c.conf.SubjectPrefix + ".notifications." + topic, nil
}

func (c *Client) eventSubject(status string) string {
	return c.conf.SubjectPrefix + ".events." + strings.ToLower(status)
}

func validToken(s string) error {
	if s == "" || strings.ContainsAny(s, ".*> \t\r\n") {
		return fmt.Errorf("natsbus: %q is not a valid subject token", s)
	}
	return nil
}

type jetStreamBackend struct {
	conn          *nats.Conn
	js            jetstream.JetStream
	notifications jetstream.Stream
	kv            jetstream.KeyValue
}

func newJetStreamBackend(ctx context.Context, conn *nats.Conn, js jetstream.JetStream, conf Config) (*jetStreamBackend, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	notifications, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        conf.NotificationStream,
		Description: "Program status notifications",
		Subjects:    []string{conf.SubjectPrefix + ".notifications.*"},
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: notification stream: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        conf.EventStream,
		Description: "Published program status events",
		Subjects:    []string{conf.SubjectPrefix + ".events.>"},
		Storage:     jetstream.FileStorage,
		Duplicates:  conf.DedupWindow,
	}); err != nil {
		return nil, fmt.Errorf("natsbus: event stream: %w", err)
	}

	kv, err := js.KeyValue(ctx, conf.OffsetBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      conf.OffsetBucket,
			Description: "Subscriber offsets",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("natsbus: offset bucket: %w", err)
	}

	return &jetStreamBackend{conn: conn, js: js, notifications: notifications, kv: kv}, nil
}

func (b *jetStreamBackend) next(ctx context.Context, seq uint64, subject string) (uint64, []byte, error) {
	msg, err := b.notifications.GetMsg(ctx, seq, jetstream.WithGetMsgSubject(subject))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return 0, nil, errNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	return msg.Sequence, msg.Data, nil
}

func (b *jetStreamBackend) publish(ctx context.Context, subject string, data []byte, msgID string) (uint64, bool, error) {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	ack, err := b.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		return 0, false, err
	}
	return ack.Sequence, ack.Duplicate, nil
}

func (b *jetStreamBackend) kvGet(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (b *jetStreamBackend) kvPut(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

func (b *jetStreamBackend) close() {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
