package rabbit

import "github.com/pkg/errors"

// QueueStatus is a point-in-time snapshot of one queue.
type QueueStatus struct {
	Queue         string `json:"queue"`
	MessageCount  int    `json:"message_count"`
	ConsumerCount int    `json:"consumer_count"`
}

// Status is the operational snapshot served by the admin surface.
type Status struct {
	Connected     bool          `json:"connected"`
	Consuming     bool          `json:"consuming"`
	Host          string        `json:"host"`
	VirtualHost   string        `json:"virtual_host"`
	Prefetch      int           `json:"prefetch"`
	RetryEndpoint string        `json:"retry_endpoint"`
	Queues        []QueueStatus `json:"queues,omitempty"`
}

// InspectQueue reads the live message and consumer counts of a queue.
func (c *Connector) InspectQueue(name string) (QueueStatus, error) {
	ch, err := c.channel()
	if err != nil {
		return QueueStatus{}, err
	}
	q, err := ch.QueueInspect(name)
	if err != nil {
		return QueueStatus{}, errors.Wrapf(err, "inspect queue %q", name)
	}
	return QueueStatus{Queue: q.Name, MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

// Snapshot assembles the full status view. Queue inspection requires a live
// channel; while disconnected the snapshot carries connection state only.
func (c *Connector) Snapshot() Status {
	s := Status{
		Connected:     c.IsConnected(),
		Consuming:     c.IsConsuming(),
		Host:          c.host,
		VirtualHost:   c.vhost,
		Prefetch:      c.cfg.Prefetch,
		RetryEndpoint: c.cfg.RetryEndpoint,
	}
	if !s.Connected {
		return s
	}
	for _, name := range []string{c.cfg.Queue, c.cfg.RetryQueue, c.cfg.DeadLetterQueue} {
		qs, err := c.InspectQueue(name)
		if err != nil {
			c.log.Debug().Err(err).Str("queue", name).Msg("queue inspection failed")
			continue
		}
		s.Queues = append(s.Queues, qs)
	}
	return s
}
