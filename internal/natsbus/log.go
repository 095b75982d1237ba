package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Append publishes a notification to its topic subject and returns the
// stream sequence, which is also its offset.
func (c *Client) Append(ctx context.Context, topic string, n model.Notification) (string, error) {
	subject, err := c.notificationSubject(topic)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("natsbus: encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()
	seq, _, err := c.b.publish(ctx, subject, data, "")
	if err != nil {
		return "", fmt.Errorf("natsbus: publish notification: %w", err)
	}
	return strconv.FormatUint(seq, 10), nil
}

// Fetch reads up to limit notifications of topic after the given stream
// sequence.
func (c *Client) Fetch(ctx context.Context, topic, afterOffset string, limit int) ([]model.Notification, error) {
	subject, err := c.notificationSubject(topic)
	if err != nil {
		return nil, err
	}
	var seq uint64
	if afterOffset != "" {
		if seq, err = strconv.ParseUint(afterOffset, 10, 64); err != nil {
			return nil, fmt.Errorf("natsbus: invalid offset %q: %w", afterOffset, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()

	var out []model.Notification
	for len(out) < limit {
		got, data, err := c.b.next(ctx, seq+1, subject)
		if errors.Is(err, errNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("natsbus: get after %d: %w", seq, err)
		}
		seq = got

		var n model.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			// Keep the entry so the offset can move past it; the
			// subscriber skips notifications it cannot interpret.
			c.logger.Warn("natsbus: undecodable notification", zap.Uint64("seq", got), zap.Error(err))
			n = model.Notification{}
		}
		n.ID = strconv.FormatUint(got, 10)
		out = append(out, n)
	}
	return out, nil
}

func offsetKey(topic, subscriber string) string { return topic + "." + subscriber }

// LoadOffset returns the stored offset, or "" when none was stored.
func (c *Client) LoadOffset(ctx context.Context, topic, subscriber string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()
	v, err := c.b.kvGet(ctx, offsetKey(topic, subscriber))
	if errors.Is(err, errNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("natsbus: load offset: %w", err)
	}
	return string(v), nil
}

// StoreOffset records the last processed sequence.
func (c *Client) StoreOffset(ctx context.Context, topic, subscriber, offset string) error {
	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()
	if err := c.b.kvPut(ctx, offsetKey(topic, subscriber), []byte(offset)); err != nil {
		return fmt.Errorf("natsbus: store offset: %w", err)
	}
	return nil
}
