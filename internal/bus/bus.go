/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package bus maintains the MQTT subscription to the twin repositories'
// event topics.
//
// Lifecycle:
//   - subscriptions and handlers are registered before Run starts;
//   - Run owns the connection: connect, subscribe, dispatch until the
//     connection drops, back off exponentially, repeat;
//   - the backoff counter resets on every successful connect;
//   - reconnect handlers fire after the second and later successful
//     connects, never the first — the first connect precedes the initial
//     snapshot, so there is nothing to resync yet.
package bus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// MessageHandler receives every message from every subscription.
type MessageHandler func(topic string, payload []byte)

// Config configures the bus client.
type Config struct {
	BrokerURL string
	ClientID  string
	QoS       byte

	// Reconnect backoff: delay_k = min(MaxDelay, BaseDelay·Multiplier^k).
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64

	ConnectTimeout time.Duration
}

// Subscription is a topic pattern plus QoS.
type Subscription struct {
	Topic string
	QoS   byte
}

// Client is the reconnecting MQTT client. Register subscriptions and
// handlers first, then call Run.
type Client struct {
	cfg Config
	log logr.Logger

	mu                sync.Mutex
	subs              []Subscription
	handlers          []MessageHandler
	reconnectHandlers []func()
	lastConnected     time.Time

	connected    atomic.Bool
	connCount    atomic.Int64
	disconnCount atomic.Int64

	onStatusChange func(connected bool)

	// newClient is swapped in tests.
	newClient func(opts *mqtt.ClientOptions) mqtt.Client
}

// New creates a bus client. Zero backoff fields fall back to 1s base,
// 60s max, multiplier 2.
func New(cfg Config, log logr.Logger) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		cfg:       cfg,
		log:       log,
		newClient: mqtt.NewClient,
	}
}

// WithStatusChangeHook registers a callback fired on connect and
// disconnect, used for the bus-connection metrics.
func (c *Client) WithStatusChangeHook(fn func(connected bool)) *Client {
	c.onStatusChange = fn
	return c
}

// AddSubscription registers a topic pattern at the configured QoS.
func (c *Client) AddSubscription(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, Subscription{Topic: topic, QoS: c.cfg.QoS})
}

// AddMessageHandler registers a handler that sees every received message.
func (c *Client) AddMessageHandler(h func(topic string, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// AddReconnectHandler registers a handler fired after the second and
// later successful connects.
func (c *Client) AddReconnectHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectHandlers = append(c.reconnectHandlers, fn)
}

// Run connects, subscribes, and dispatches until ctx is cancelled.
// Connection failures back off exponentially; the attempt counter resets
// on every successful connect.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		lost := make(chan struct{})
		cli, err := c.connect(lost)
		if err != nil {
			delay := c.backoff(attempt)
			attempt++
			c.log.Error(err, "event bus connect failed", "retryIn", delay.String(), "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		n := c.connCount.Add(1)
		c.connected.Store(true)
		c.mu.Lock()
		c.lastConnected = time.Now()
		reconnects := append([]func(){}, c.reconnectHandlers...)
		c.mu.Unlock()
		if c.onStatusChange != nil {
			c.onStatusChange(true)
		}
		c.log.Info("event bus connected", "connectionCount", n)

		if n >= 2 {
			for _, fn := range reconnects {
				fn()
			}
		}

		select {
		case <-ctx.Done():
			cli.Disconnect(250)
			c.markDisconnected()
			return ctx.Err()
		case <-lost:
			c.markDisconnected()
			c.log.Info("event bus connection lost")
		}
	}
}

func (c *Client) connect(lost chan struct{}) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		close(lost)
	})

	cli := c.newClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		cli.Disconnect(0)
		return nil, fmt.Errorf("connect to %s: timeout", c.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.cfg.BrokerURL, err)
	}

	c.mu.Lock()
	subs := append([]Subscription{}, c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		st := cli.Subscribe(sub.Topic, sub.QoS, c.route)
		if !st.WaitTimeout(c.cfg.ConnectTimeout) {
			cli.Disconnect(250)
			return nil, fmt.Errorf("subscribe %s: timeout", sub.Topic)
		}
		if err := st.Error(); err != nil {
			cli.Disconnect(250)
			return nil, fmt.Errorf("subscribe %s: %w", sub.Topic, err)
		}
	}
	return cli, nil
}

func (c *Client) markDisconnected() {
	if c.connected.CompareAndSwap(true, false) {
		c.disconnCount.Add(1)
		if c.onStatusChange != nil {
			c.onStatusChange(false)
		}
	}
}

func (c *Client) route(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	handlers := append([]MessageHandler{}, c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg.Topic(), msg.Payload())
	}
}

// Publish sends a one-off message on a short-lived connection.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID + "-pub-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(c.cfg.ConnectTimeout)

	cli := c.newClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("publish connect: timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish connect: %w", err)
	}
	defer cli.Disconnect(250)

	pt := cli.Publish(topic, c.cfg.QoS, false, payload)
	if !pt.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := pt.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// backoff computes delay_k = min(MaxDelay, BaseDelay·Multiplier^k).
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.cfg.BaseDelay) * math.Pow(c.cfg.Multiplier, float64(attempt))
	if d > float64(c.cfg.MaxDelay) {
		return c.cfg.MaxDelay
	}
	return time.Duration(d)
}

// IsConnected reports whether the subscription connection is up.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// ConnectionCount returns how many times the client has connected.
func (c *Client) ConnectionCount() int64 { return c.connCount.Load() }

// DisconnectionCount returns how many connection losses were observed.
func (c *Client) DisconnectionCount() int64 { return c.disconnCount.Load() }

// LastConnectedAt returns the timestamp of the most recent connect.
func (c *Client) LastConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConnected
}

// WaitConnected blocks until the client is connected or ctx expires.
func (c *Client) WaitConnected(ctx context.Context) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
