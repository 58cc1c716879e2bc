package mqtt

import (
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is a pahomqtt.Token whose completion is controlled by the test.
type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type publishedMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient implements pahomqtt.Client in memory.
type fakeClient struct {
	mu   sync.Mutex
	opts *pahomqtt.ClientOptions

	connected      bool
	connectErrs    []error
	connectGate    chan struct{}
	connectEntered chan struct{}
	connectHold    bool
	heldConnect    *fakeToken
	publishErr     error
	publishHold    bool

	connectCalls   int
	subscribeCalls int
	disconnects    int
	published      []publishedMsg
	handlers       map[string]pahomqtt.MessageHandler
}

func newFakeClient(opts *pahomqtt.ClientOptions) *fakeClient {
	return &fakeClient{opts: opts, handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakeClient) Connect() pahomqtt.Token {
	if f.connectGate != nil {
		f.mu.Lock()
		if f.connectEntered != nil {
			close(f.connectEntered)
			f.connectEntered = nil
		}
		f.mu.Unlock()
		<-f.connectGate
	}

	f.mu.Lock()
	f.connectCalls++
	if f.connectHold {
		f.heldConnect = pendingToken()
		f.mu.Unlock()
		return f.heldConnect
	}
	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()

	if err == nil && f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
	return completedToken(err)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishHold {
		return pendingToken()
	}
	if f.publishErr != nil {
		return completedToken(f.publishErr)
	}

	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	f.published = append(f.published, publishedMsg{topic: topic, qos: qos, retained: retained, payload: body})
	return completedToken(nil)
}

func (f *fakeClient) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	f.handlers[topic] = callback
	return completedToken(nil)
}

func (f *fakeClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for topic, qos := range filters {
		f.Subscribe(topic, qos, callback)
	}
	return completedToken(nil)
}

func (f *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	return completedToken(nil)
}

func (f *fakeClient) AddRoute(string, pahomqtt.MessageHandler) {}

func (f *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// releaseConnect completes a held connect attempt successfully.
func (f *fakeClient) releaseConnect() {
	f.mu.Lock()
	f.connected = true
	f.connectHold = false
	held := f.heldConnect
	f.mu.Unlock()
	if held != nil {
		close(held.done)
	}
	if f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
}

// dropConnection simulates the broker closing the connection.
func (f *fakeClient) dropConnection(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	if f.opts.OnConnectionLost != nil {
		f.opts.OnConnectionLost(f, err)
	}
}

// deliver invokes the handler registered for topic.
func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler != nil {
		handler(f, &fakeMessage{topic: topic, payload: payload})
	}
}

func (f *fakeClient) snapshot() (connectCalls, subscribeCalls int, published []publishedMsg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls, f.subscribeCalls, append([]publishedMsg(nil), f.published...)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
