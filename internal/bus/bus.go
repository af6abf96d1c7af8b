// Package bus is the in-process stand-in for the real message-bus client
// library the aggregator runs on top of in production. Its wire codec (the
// actual transport between processes) is out of scope for this repository —
// see spec.md's Non-goals — so what lives here is only the subscribe/publish
// surface every component is written against: a topic trie with retained
// messages and request/reply, modelled as closely as a real bus client
// (service names, retained "last known value" semantics, wildcard
// subscriptions) while staying transport-agnostic.
//
// Every topic in this repository is a tuple of plain strings shaped by
// spec.md §3's service-identity model (a fully-qualified service name is
// dotted `vendor.domain.class.suffix`, where class is the third segment);
// nothing here ever keys a subscription on anything but a service name, a
// class, or a bus path, so the trie below is string-keyed rather than the
// any-keyed, runtime-comparability-checked builder a general-purpose bus
// client would need for arbitrary payload-shaped keys. The named
// constructors below (DeviceValueTopic, ControlSetTopic, ...) are the seven
// topic shapes every component in this engine actually builds; T remains for
// the one place a topic is assembled from a value the caller doesn't know in
// advance (a generated reply address).
package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
)

const defaultQueueLen = 8

// Any is the single-segment wildcard: it matches exactly one token.
const Any = "+"

// Topic is an ordered sequence of dotted segments, e.g.
// Topic{"value", "battery", "com.victronenergy.battery.ttyO2", "/Soc"}.
type Topic []string

// T builds a Topic from a variadic segment list. Most call sites use one of
// the named constructors below instead; T itself is reserved for topics
// assembled from a value chosen at runtime, such as a generated reply address.
func T(tokens ...string) Topic {
	return Topic(tokens)
}

// DeviceValueTopic addresses a mirrored value published by a device of the
// given class, e.g. DeviceValueTopic("battery", Any, Any) subscribes to
// every battery's every path.
func DeviceValueTopic(class, service, path string) Topic {
	return Topic{"value", class, service, path}
}

// ServiceValueTopic addresses a value this engine publishes under its own
// service name, which (unlike a mirrored device) has no class segment —
// it's this process's own output, not something organized by device kind.
func ServiceValueTopic(service, path string) Topic {
	return Topic{"value", service, path}
}

// ControlSetTopic addresses a write request against a path on a service,
// ours or another's (spec.md §6's "control/set" surface).
func ControlSetTopic(service, path string) Topic {
	return Topic{"control", "set", service, path}
}

// ServiceRemovedTopic addresses the removal notice for a device class.
func ServiceRemovedTopic(class string) Topic {
	return Topic{"service", class, "removed"}
}

// MetaTopic addresses a service's retained metadata record.
func MetaTopic(service string) Topic {
	return Topic{"meta", service}
}

// RequestGetTopic addresses a liveness/identity probe against a path on a
// service (spec.md §4.6's supervisor probe).
func RequestGetTopic(service, path string) Topic {
	return Topic{"request", "get", service, path}
}

// ControlKillTopic addresses the supervisor's kill instruction for an
// unresponsive service (spec.md §4.6).
func ControlKillTopic(service string) Topic {
	return Topic{"control", "kill", service}
}

// Message is the unit of delivery. Retained messages represent "last known
// value" and are replayed to new subscribers whose pattern matches.
type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
	ID       uint32
}

func genID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Subscription is a live interest in a topic pattern.
type Subscription struct {
	topic Topic
	ch    chan *Message
	bus   *Bus
	conn  *Connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

type node struct {
	children map[string]*node
	subs     []*Subscription
	retained *Message
}

func ensureChild(n *node, t string) *node {
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	if n.children[t] == nil {
		n.children[t] = &node{}
	}
	return n.children[t]
}

// Options configures wildcard tokens and per-subscription queue depth.
type Options struct {
	QueueLen       int
	SingleWildcard string // matches exactly one segment, default "+"
	MultiWildcard  string // matches zero or more trailing segments, default "#"
}

// Bus is a topic trie shared by every Connection. It never blocks a
// publisher: slow subscribers lose their oldest queued message rather than
// stall the caller, and every such drop increments Dropped so the engine can
// surface it as an operational metric.
type Bus struct {
	mu      sync.Mutex
	root    *node
	qLen    int
	sWild   string
	mWild   string
	idCtr   atomic.Uint32
	Dropped atomic.Uint64
}

func NewBus(queueLen int) *Bus {
	return NewBusWithOptions(Options{QueueLen: queueLen})
}

func NewBusWithOptions(o Options) *Bus {
	if o.QueueLen <= 0 {
		o.QueueLen = defaultQueueLen
	}
	if o.SingleWildcard == "" {
		o.SingleWildcard = Any
	}
	if o.MultiWildcard == "" {
		o.MultiWildcard = "#"
	}
	return &Bus{
		root:  &node{},
		qLen:  o.QueueLen,
		sWild: o.SingleWildcard,
		mWild: o.MultiWildcard,
	}
}

func (b *Bus) nextID() uint32 { return b.idCtr.Add(1) }

func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained, ID: b.nextID()}
}

// Publish fans a message out to every matching subscriber and, if Retained,
// updates (or clears, on a nil Payload) the retained value at that exact topic.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	var subs []*Subscription
	b.collectSubscribersLocked(b.root, msg.Topic, 0, &subs)

	if msg.Retained {
		if msg.Payload == nil {
			b.retainDeleteLocked(msg.Topic)
		} else {
			b.retainSetLocked(msg)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.tryDeliver(sub, msg)
	}
}

func trySend(ch chan *Message, m *Message) bool {
	select {
	case ch <- m:
		return true
	default:
		return false
	}
}

func drainOne(ch chan *Message) {
	select {
	case <-ch:
	default:
	}
}

func (b *Bus) tryDeliver(sub *Subscription, msg *Message) {
	defer func() { _ = recover() }() // sub.ch may already be closed by a concurrent Unsubscribe
	if trySend(sub.ch, msg) {
		return
	}
	b.Dropped.Add(1)
	drainOne(sub.ch)
	_ = trySend(sub.ch, msg)
}

func (b *Bus) addSubscription(topic Topic, sub *Subscription) {
	b.mu.Lock()
	n := b.root
	for _, t := range topic {
		n = ensureChild(n, t)
	}
	n.subs = append(n.subs, sub)

	var retained []*Message
	b.collectRetainedLocked(b.root, topic, 0, &retained)
	b.mu.Unlock()

	for _, rm := range retained {
		b.tryDeliver(sub, rm)
	}
}

func (b *Bus) unsubscribe(topic Topic, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	var stack []*node
	for _, t := range topic {
		if n.children == nil {
			return
		}
		child := n.children[t]
		if child == nil {
			return
		}
		stack = append(stack, n)
		n = child
	}

	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	b.pruneEmptyLocked(stack, topic)
}

func (b *Bus) pruneEmptyLocked(stack []*node, path []string) {
	for i := len(path) - 1; i >= 0; i-- {
		parent := stack[i]
		key := path[i]
		child := parent.children[key]
		if child != nil && len(child.subs) == 0 && len(child.children) == 0 && child.retained == nil {
			delete(parent.children, key)
		} else {
			break
		}
	}
}

func (b *Bus) collectSubscribersLocked(n *node, topic Topic, depth int, out *[]*Subscription) {
	if n == nil {
		return
	}
	if depth == len(topic) {
		*out = append(*out, n.subs...)
		if n.children != nil {
			if mw := n.children[b.mWild]; mw != nil {
				*out = append(*out, mw.subs...)
			}
		}
		return
	}
	tok := topic[depth]
	if n.children != nil {
		if child := n.children[tok]; child != nil {
			b.collectSubscribersLocked(child, topic, depth+1, out)
		}
		if sw := n.children[b.sWild]; sw != nil {
			b.collectSubscribersLocked(sw, topic, depth+1, out)
		}
		if mw := n.children[b.mWild]; mw != nil {
			*out = append(*out, mw.subs...)
		}
	}
}

func (b *Bus) retainSetLocked(msg *Message) {
	n := b.root
	for _, t := range msg.Topic {
		n = ensureChild(n, t)
	}
	n.retained = msg
}

func (b *Bus) retainDeleteLocked(topic Topic) {
	n := b.root
	var stack []*node
	for _, t := range topic {
		if n.children == nil {
			return
		}
		child := n.children[t]
		if child == nil {
			return
		}
		stack = append(stack, n)
		n = child
	}
	n.retained = nil
	b.pruneEmptyLocked(stack, topic)
}

func (b *Bus) collectRetainedLocked(n *node, pattern Topic, depth int, out *[]*Message) {
	if n == nil {
		return
	}
	if depth == len(pattern) {
		if n.retained != nil {
			*out = append(*out, n.retained)
		}
		return
	}
	ptok := pattern[depth]
	switch ptok {
	case b.mWild:
		b.collectAllRetainedLocked(n, out)
	case b.sWild:
		for _, child := range n.children {
			b.collectRetainedLocked(child, pattern, depth+1, out)
		}
	default:
		if child := n.children[ptok]; child != nil {
			b.collectRetainedLocked(child, pattern, depth+1, out)
		}
	}
}

func (b *Bus) collectAllRetainedLocked(n *node, out *[]*Message) {
	if n == nil {
		return
	}
	if n.retained != nil {
		*out = append(*out, n.retained)
	}
	for _, child := range n.children {
		b.collectAllRetainedLocked(child, out)
	}
}

// Connection is a named handle onto the Bus; every engine component gets its
// own so Disconnect can tear down its subscriptions without touching anyone
// else's.
type Connection struct {
	bus  *Bus
	subs []*Subscription
	mu   sync.Mutex
	id   string
}

func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

func (c *Connection) Publish(msg *Message) { c.bus.Publish(msg) }

func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan *Message, c.bus.qLen), bus: c.bus, conn: c}
	c.bus.addSubscription(topic, sub)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

func (c *Connection) Unsubscribe(sub *Subscription) {
	c.bus.unsubscribe(sub.topic, sub)
	c.mu.Lock()
	c.subs = removeSub(c.subs, sub)
	c.mu.Unlock()
	close(sub.ch)
}

// Disconnect tears down every subscription owned by this connection. Called
// once, from the component's shutdown path.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.unsubscribe(sub.topic, sub)
		close(sub.ch)
	}
}

func removeSub(list []*Subscription, target *Subscription) []*Subscription {
	for i, s := range list {
		if s == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Request publishes msg and returns a Subscription on a fresh reply topic
// (or msg.ReplyTo, if already set).
func (c *Connection) Request(msg *Message) *Subscription {
	if len(msg.ReplyTo) == 0 {
		msg.ReplyTo = T(genID())
	}
	sub := c.Subscribe(msg.ReplyTo)
	c.Publish(msg)
	return sub
}

// RequestWait is Request plus a context-bounded wait for the first reply.
// Used by the supervisor's liveness probe, which must never block the
// scheduler loop past the caller's deadline.
func (c *Connection) RequestWait(ctx context.Context, msg *Message) (*Message, error) {
	sub := c.Request(msg)
	defer c.Unsubscribe(sub)

	select {
	case m := <-sub.ch:
		if m == nil {
			return nil, errors.New("bus: subscription closed before reply")
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) Reply(to *Message, payload any, retained bool) {
	if len(to.ReplyTo) == 0 {
		return
	}
	c.Publish(&Message{Topic: to.ReplyTo, Payload: payload, Retained: retained, ID: c.bus.nextID()})
}
