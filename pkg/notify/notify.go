// Package notify bridges event store appends to projection workers over
// NATS. The store's append listener publishes a small notification per
// touched instance; subscribers wake the projection manager so read
// models catch up without waiting for the poll tick. Delivery is
// best-effort: the tick remains the safety net.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/runner"
)

const subjectPrefix = "iamcore.appended."

// Notification is the wire form of an append notice.
type Notification struct {
	InstanceID string `json:"instance_id"`
	Ordinal    int64  `json:"ordinal"`
	InTxOrder  uint32 `json:"in_tx_order"`
}

// Publisher publishes append notifications.
type Publisher struct {
	nc     *nats.Conn
	logger runner.Logger
}

// NewPublisher connects to NATS at url.
func NewPublisher(url string, logger runner.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("iamcore-append-publisher"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Publisher{nc: nc, logger: logger}, nil
}

// NewPublisherFromConn wraps an existing connection. The caller keeps
// ownership of the connection's lifecycle.
func NewPublisherFromConn(nc *nats.Conn, logger runner.Logger) *Publisher {
	return &Publisher{nc: nc, logger: logger}
}

// Notify implements the event store's append listener signature. It must
// not block, so publish errors are logged and dropped.
func (p *Publisher) Notify(instanceID string, head domain.Position) {
	data, err := json.Marshal(Notification{
		InstanceID: instanceID,
		Ordinal:    head.Ordinal,
		InTxOrder:  head.InTxOrder,
	})
	if err != nil {
		return
	}
	if err := p.nc.Publish(subjectPrefix+instanceID, data); err != nil {
		p.logger.Error("publish append notification", "instance", instanceID, "error", err)
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	p.nc.Close()
}

// Triggerer is the part of the projection manager the subscriber needs.
type Triggerer interface {
	Trigger(instanceID string)
}

// Subscriber wakes projection workers on append notifications.
type Subscriber struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewSubscriber connects to NATS and subscribes for all instances.
func NewSubscriber(url string, target Triggerer, logger runner.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(url, nats.Name("iamcore-append-subscriber"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	sub, err := nc.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			logger.Error("malformed append notification", "subject", msg.Subject, "error", err)
			return
		}
		target.Trigger(n.InstanceID)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to append notifications: %w", err)
	}

	return &Subscriber{nc: nc, sub: sub}, nil
}

// Close unsubscribes and closes the connection.
func (s *Subscriber) Close() error {
	if err := s.sub.Unsubscribe(); err != nil {
		s.nc.Close()
		return err
	}
	s.nc.Close()
	return nil
}
