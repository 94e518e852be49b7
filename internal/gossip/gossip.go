// Package gossip implements the in-process pub/sub fabric the engine uses
// to exchange Gossip/Echo/Ready messages with peers (spec §4.2, §6). It is
// transport-agnostic: Fabric only models topic fan-out and peer identity,
// leaving the actual network transport (libp2p, or any other peer wire
// protocol) to be plugged in behind the Transport interface.
package gossip

import (
	"context"
	"sync"

	"github.com/topos-protocol/tce-node/internal/pkg/toposerr"
	"github.com/topos-protocol/tce-node/internal/topos"
)

// Topic names the three channels the double-echo protocol runs over.
type Topic string

const (
	TopicGossip Topic = "topos_gossip"
	TopicEcho   Topic = "topos_echo"
	TopicReady  Topic = "topos_ready"
)

// PeerID is an opaque, transport-assigned peer identity.
type PeerID string

// Message is one published item: a certificate plus, for Echo/Ready
// topics, the validator that is voting.
type Message struct {
	Topic       Topic
	Certificate *topos.Certificate
	Validator   topos.ValidatorId
	From        PeerID
}

// Transport is the minimum a peer-to-peer network layer must provide for
// Fabric to ride on top of it. A libp2p-backed implementation satisfies
// this by wrapping gossipsub topic handles.
type Transport interface {
	// Broadcast sends msg to every subscribed peer on msg.Topic.
	Broadcast(ctx context.Context, msg Message) error
	// Peers returns the currently known peer set.
	Peers() []PeerID
}

// Fabric fans incoming transport messages out to local subscribers and
// local publications out to the transport.
type Fabric struct {
	transport Transport

	mu          sync.RWMutex
	subscribers map[Topic][]chan Message
}

// New builds a Fabric riding on transport. transport may be nil for
// single-node / test configurations, in which case Publish only delivers
// to local subscribers.
func New(transport Transport) *Fabric {
	return &Fabric{
		transport:   transport,
		subscribers: make(map[Topic][]chan Message),
	}
}

// Subscribe returns a channel of every message published on topic from now
// on. Fabric has no Close and never closes the channel; callers are
// expected to read it for the process lifetime, matching the engine's own
// bounded-channel idiom.
func (f *Fabric) Subscribe(topic Topic, bufferSize int) <-chan Message {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ch := make(chan Message, bufferSize)
	f.mu.Lock()
	f.subscribers[topic] = append(f.subscribers[topic], ch)
	f.mu.Unlock()
	return ch
}

// Publish delivers msg to local subscribers of msg.Topic and, if a
// transport is configured, broadcasts it to the wider peer set.
func (f *Fabric) Publish(ctx context.Context, msg Message) error {
	f.mu.RLock()
	subs := append([]chan Message(nil), f.subscribers[msg.Topic]...)
	f.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- msg:
		default:
			// A slow local subscriber drops messages rather than stalling
			// the fabric; engine.SweepIdle eventually fails broadcasts
			// that never see enough votes because of this.
		}
	}

	if f.transport == nil {
		return nil
	}
	if err := f.transport.Broadcast(ctx, msg); err != nil {
		return toposerr.Wrap(toposerr.UnableToPushPeerList, err, "broadcast on topic %s", msg.Topic)
	}
	return nil
}

// Peers returns the current peer set, or nil if no transport is attached.
func (f *Fabric) Peers() []PeerID {
	if f.transport == nil {
		return nil
	}
	return f.transport.Peers()
}
