package hostif

import (
	"context"
	"errors"

	"github.com/psaab/vrhost/pkg/packet"
)

// AgentPath delivers packets to the local agent (the pkt0 channel). It
// takes ownership of p on success.
type AgentPath interface {
	Deliver(p *packet.Packet) error
}

// ErrAgentBusy is returned when the agent queue is full.
var ErrAgentBusy = errors.New("hostif: agent queue full")

// AgentQueue is a bounded in-process AgentPath.
type AgentQueue struct {
	ch chan *packet.Packet
}

// NewAgentQueue returns a queue holding up to n packets.
func NewAgentQueue(n int) *AgentQueue {
	if n < 1 {
		n = 1
	}
	return &AgentQueue{ch: make(chan *packet.Packet, n)}
}

// Deliver enqueues p without blocking.
func (q *AgentQueue) Deliver(p *packet.Packet) error {
	select {
	case q.ch <- p:
		return nil
	default:
		return ErrAgentBusy
	}
}

// Len returns the number of queued packets.
func (q *AgentQueue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *AgentQueue) Cap() int {
	return cap(q.ch)
}

// Run passes queued packets to fn until ctx is done. fn owns each packet.
func (q *AgentQueue) Run(ctx context.Context, fn func(*packet.Packet)) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-q.ch:
			fn(p)
		}
	}
}
