package mqtt

import (
	"context"
	"fmt"
	"sort"
)

// Subscribe routes messages matching topic (which may contain + or #
// wildcards) to handler. Only the consumer role subscribes; the publisher
// connection stays free for command traffic.
//
// The subscription is remembered before the broker is asked, so a client
// that is not yet connected subscribes on connect, and every reconnect
// restores it. ctx bounds the wait for the SUBACK.
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	case c.role != RoleConsumer:
		return fmt.Errorf("%w: %s connection cannot subscribe", ErrWrongRole, c.role)
	case c.closed.Load():
		return ErrClosed
	}

	c.track(subscription{topic: topic, qos: qos, handler: handler})
	if !c.IsConnected() {
		return nil
	}

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if err := c.waitToken(ctx, token, ErrSubscribeFailed); err != nil {
		c.untrack(topic)
		return err
	}
	return nil
}

// Unsubscribe forgets topic and, when connected, tells the broker.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	c.untrack(topic)
	if !c.IsConnected() {
		return nil
	}
	return c.waitToken(ctx, c.client.Unsubscribe(topic), ErrSubscribeFailed)
}

// Subscriptions lists the tracked topic filters in sorted order.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	c.subMu.RUnlock()

	sort.Strings(topics)
	return topics
}

func (c *Client) track(sub subscription) {
	c.subMu.Lock()
	c.subscriptions[sub.topic] = sub
	c.subMu.Unlock()
}

func (c *Client) untrack(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}
