package amqp

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeDeclarer records topology declarations.
type fakeDeclarer struct {
	mu        sync.Mutex
	exchanges []string
	queues    map[string]amqp.Table
	bindings  []Binding
	failOn    string
}

func newFakeDeclarer() *fakeDeclarer {
	return &fakeDeclarer{queues: make(map[string]amqp.Table)}
}

func (f *fakeDeclarer) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == name {
		return errBroker
	}
	f.exchanges = append(f.exchanges, name)
	return nil
}

func (f *fakeDeclarer) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == name {
		return amqp.Queue{}, errBroker
	}
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeDeclarer) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: key})
	return nil
}

func (f *fakeDeclarer) declaredQueues() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues)
}

// fakeChannel implements channel.
type fakeChannel struct {
	*fakeDeclarer

	mu         sync.Mutex
	prefetch   int
	confirm    bool
	consumers  map[string]chan amqp.Delivery
	published  []amqp.Publishing
	publishErr error
	nack       bool
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		fakeDeclarer: newFakeDeclarer(),
		consumers:    make(map[string]chan amqp.Delivery),
	}
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan amqp.Delivery, 16)
	f.consumers[queue] = ch
	return ch, nil
}

func (f *fakeChannel) Confirm(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirm = true
	return nil
}

func (f *fakeChannel) PublishConfirmed(_ context.Context, _, _ string, msg amqp.Publishing) (confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, msg)
	return fakeConfirmation{acked: !f.nack}, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) consumer(queue string) chan amqp.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumers[queue]
}

type fakeConfirmation struct {
	acked bool
}

func (c fakeConfirmation) WaitContext(context.Context) (bool, error) {
	return c.acked, nil
}

// fakeConn implements connection.
type fakeConn struct {
	ch *fakeChannel

	mu     sync.Mutex
	notify chan *amqp.Error
	closed bool
}

func (f *fakeConn) Channel() (channel, error) { return f.ch, nil }

func (f *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = receiver
	return receiver
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// drop simulates the broker closing the connection.
func (f *fakeConn) drop(err *amqp.Error) {
	f.mu.Lock()
	notify := f.notify
	f.closed = true
	f.mu.Unlock()
	notify <- err
}

// fakeDialer hands out fresh fake connections.
type fakeDialer struct {
	mu    sync.Mutex
	errs  []error
	conns []*fakeConn
	urls  []string
}

func (d *fakeDialer) dial(url string, _ amqp.Config) (connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	conn := &fakeConn{ch: newFakeChannel()}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// fakeAck records delivery settlement.
type fakeAck struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  map[uint64]bool // tag -> requeue
	settled chan uint64
}

func newFakeAck() *fakeAck {
	return &fakeAck{nacked: make(map[uint64]bool), settled: make(chan uint64, 16)}
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	a.acked = append(a.acked, tag)
	a.mu.Unlock()
	a.settled <- tag
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	a.nacked[tag] = requeue
	a.mu.Unlock()
	a.settled <- tag
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}
