// Package kvbus implements the lightweight KV/pub-sub sink over
// nats.go: Insert publishes, Get does a blocking NextMsg. Grounded on
// spec.md §4.7's nats-shaped adaptor.
package kvbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/record"
)

const (
	reconnectWait = 2 * time.Second
	natMaxWait    = 5 * time.Second
	getTimeout    = 3 * time.Second
)

// Adaptor is a nats.go-backed Sink implementing publish-only Insert
// and a blocking Get that waits for the next message on a subject.
type Adaptor struct {
	name   string
	nc     *nats.Conn
	logger *zap.Logger
}

func Connect(logger *zap.Logger, name, url string) (*Adaptor, error) {
	nc, err := nats.Connect(url,
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.Timeout(natMaxWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("kvbus: disconnected", zap.String("adaptor", name), zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("kvbus: reconnected", zap.String("adaptor", name), zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kvbus: connecting: %w", err)
	}
	return &Adaptor{name: name, nc: nc, logger: logger}, nil
}

func (a *Adaptor) Name() string { return a.name }

func (a *Adaptor) Close() {
	a.nc.Close()
}

// subjectFor maps a record's data type to its bus subject, the way
// the teacher maps record types to downstream destinations.
func subjectFor(dt record.DataType) string {
	return "edge." + string(dt)
}

func isPresenceType(dt record.DataType) bool {
	return len(dt) > 9 && dt[:9] == "presence_"
}

// Insert publishes the record. presence_* records publish the literal
// "0"/"1" string per spec.md §6; everything else publishes the JSON
// field map.
func (a *Adaptor) Insert(ctx context.Context, rec *record.Record) (bool, error) {
	subject := subjectFor(rec.DataType)
	if isPresenceType(rec.DataType) {
		payload := "0"
		if rec.GetInt("presence_state") != 0 {
			payload = "1"
		}
		if err := a.nc.Publish(subject, []byte(payload)); err != nil {
			return false, fmt.Errorf("kvbus: publishing presence: %w", err)
		}
		return true, nil
	}

	fields := rec.Fields()
	strFields := make(map[string]string, len(fields))
	for k, v := range fields {
		strFields[k] = v.String()
	}
	body, err := json.Marshal(strFields)
	if err != nil {
		return false, fmt.Errorf("kvbus: marshaling record: %w", err)
	}
	if err := a.nc.Publish(subject, body); err != nil {
		return false, fmt.Errorf("kvbus: publishing: %w", err)
	}
	return true, nil
}

// Get subscribes to the given subject and blocks until the next message
// published on it arrives or getTimeout passes; it sends no request.
func (a *Adaptor) Get(subject string) ([]byte, error) {
	sub, err := a.nc.SubscribeSync(subject)
	if err != nil {
		return nil, fmt.Errorf("kvbus: subscribing to %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	msg, err := sub.NextMsg(getTimeout)
	if err != nil {
		return nil, fmt.Errorf("kvbus: waiting for message on %s: %w", subject, err)
	}
	return msg.Data, nil
}
