// Package recon consumes server-pushed invalidation signals over a
// websocket and surfaces them as a stream of entity invalidations.
//
// The channel is the mechanism that keeps long-lived sessions
// consistent with writes made by other actors: whenever the remote
// authority reports that an entity changed, the cached copy is
// superseded and refetched. While offline the channel is inactive; on
// reconnect it re-subscribes the current subject context before the
// stream is trusted again.
package recon

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/partolog/outbox.go/internal/clock"
	"github.com/partolog/outbox.go/pkg/logger"
	"github.com/partolog/outbox.go/pkg/netmon"
	"github.com/partolog/outbox.go/pkg/retry"
)

// DefaultDialer is the gorilla dialer used by the channel. It matches
// the gorilla default with compression enabled and the cbor
// subprotocol requested.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

// Invalidation identifies one cached entity the server reports as
// changed: refetch it.
type Invalidation struct {
	EntityKind string `cbor:"entity_kind"`
	EntityID   string `cbor:"entity_id"`
}

type wireFrame struct {
	Type       string `cbor:"type"`
	EntityKind string `cbor:"entity_kind,omitempty"`
	EntityID   string `cbor:"entity_id,omitempty"`
}

type subscribeFrame struct {
	Action         string `cbor:"action"`
	SubscriptionID string `cbor:"subscription_id"`
	SubjectID      string `cbor:"subject_id"`
}

// Config configures a Channel. URL, Monitor and Logger are required by
// the engine wiring; the rest default sensibly.
type Config struct {
	// URL is the websocket endpoint of the push channel.
	URL string

	// Dialer defaults to DefaultDialer.
	Dialer *gorilla.Dialer

	// Retryer paces reconnection attempts. Defaults to exponential
	// backoff with jitter.
	Retryer retry.Retryer

	// Monitor gates connection attempts: the channel only dials
	// while the monitor reports online.
	Monitor *netmon.Monitor

	Logger logger.Logger
	Clock  clock.Clock
}

// Channel is the reconciliation push channel.
type Channel struct {
	url     string
	dialer  *gorilla.Dialer
	retryer retry.Retryer
	monitor *netmon.Monitor
	log     logger.Logger
	clk     clock.Clock

	out chan Invalidation

	mu       sync.Mutex
	state    State
	conn     *gorilla.Conn
	subjects map[string]string // subject id -> subscription id

	closeCh chan struct{}
	runDone chan struct{}
	once    sync.Once
	started bool
}

// New returns an unstarted Channel.
func New(cfg Config) *Channel {
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultDialer
	}
	if cfg.Retryer == nil {
		cfg.Retryer = retry.NewExponentialBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}

	return &Channel{
		url:      cfg.URL,
		dialer:   cfg.Dialer,
		retryer:  cfg.Retryer,
		monitor:  cfg.Monitor,
		log:      cfg.Logger,
		clk:      cfg.Clock,
		out:      make(chan Invalidation, 100),
		state:    StateDisconnected,
		subjects: make(map[string]string),
		closeCh:  make(chan struct{}),
		runDone:  make(chan struct{}),
	}
}

// Invalidations returns the stream of server-reported invalidations.
func (c *Channel) Invalidations() <-chan Invalidation {
	return c.out
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers interest in a subject's entities. If the channel
// is connected the subscription is sent immediately; otherwise it is
// replayed on the next (re)connect.
func (c *Channel) Subscribe(subjectID string) error {
	c.mu.Lock()
	if _, ok := c.subjects[subjectID]; ok {
		c.mu.Unlock()
		return nil
	}
	subscriptionID := uuid.NewString()
	c.subjects[subjectID] = subscriptionID
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}

	return c.writeSubscribe(conn, subjectID, subscriptionID)
}

// Unsubscribe removes a subject from the subscription context.
func (c *Channel) Unsubscribe(subjectID string) {
	c.mu.Lock()
	delete(c.subjects, subjectID)
	c.mu.Unlock()
}

// Start launches the connection loop. Dialing begins once the network
// monitor reports online; there is no initial-connection error because
// an offline start is the normal case for this channel.
func (c *Channel) Start(ctx context.Context) {
	c.once.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.run(ctx)
	})
}

// Close stops the connection loop and closes the websocket. Once
// closed the channel cannot be restarted.
func (c *Channel) Close() error {
	if err := c.transitionTo(StateClosing); err != nil {
		return fmt.Errorf("reconciliation channel is already closing or closed: %w", err)
	}

	close(c.closeCh)

	c.mu.Lock()
	conn := c.conn
	started := c.started
	c.mu.Unlock()
	if conn != nil {
		// Unblocks the read loop.
		conn.Close()
	}

	if started {
		<-c.runDone
	}

	if err := c.transitionTo(StateClosed); err != nil {
		c.log.Error("BUG: reconciliation channel failed to transition to closed state", "error", err)
	}
	return nil
}

func (c *Channel) transitionTo(newState State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.state.validateTransitionTo(newState); err != nil {
		return err
	}

	c.state = newState
	c.log.Debug("reconciliation channel state transitioned", "new_state", newState)
	return nil
}

func (c *Channel) closed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.runDone)

	onlineCh, cancel := c.monitor.Subscribe()
	defer cancel()

	attempt := 0

	for {
		if c.closed() || ctx.Err() != nil {
			return
		}

		if !c.monitor.Online() {
			select {
			case <-c.closeCh:
				return
			case <-ctx.Done():
				return
			case online := <-onlineCh:
				if !online {
					continue
				}
			}
		}

		if err := c.transitionTo(StateConnecting); err != nil {
			return
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.transitionOrLog(StateDisconnected)
			delay, retryAgain := c.retryer.NextDelay(attempt, err)
			attempt++
			if !retryAgain {
				c.log.Error("reconciliation channel gave up reconnecting", "error", err, "attempts", attempt)
				return
			}
			c.log.Warn("reconciliation channel connect failed", "error", err, "retry_in", delay)
			select {
			case <-c.closeCh:
				return
			case <-ctx.Done():
				return
			case <-c.clk.After(delay):
			}
			continue
		}

		attempt = 0
		c.retryer.Reset()

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.transitionOrLog(StateConnected)
		c.monitor.Report(true)
		c.log.Info("reconciliation channel established", "url", c.url)

		err = c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if c.closed() {
			return
		}

		c.log.Warn("reconciliation channel lost", "error", err)
		c.transitionOrLog(StateDisconnected)
	}
}

func (c *Channel) transitionOrLog(s State) {
	if err := c.transitionTo(s); err != nil {
		c.log.Error("BUG: reconciliation channel state transition rejected", "error", err)
	}
}

// connect dials and replays the current subject context. The channel
// is not trusted until every subscription has been re-established.
func (c *Channel) connect(ctx context.Context) (*gorilla.Conn, error) {
	conn, res, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer res.Body.Close()

	c.mu.Lock()
	subjects := make(map[string]string, len(c.subjects))
	for subject, subscription := range c.subjects {
		subjects[subject] = subscription
	}
	c.mu.Unlock()

	for subject, subscription := range subjects {
		if err := c.writeSubscribe(conn, subject, subscription); err != nil {
			conn.Close()
			return nil, fmt.Errorf("re-subscribe %s: %w", subject, err)
		}
	}

	return conn, nil
}

func (c *Channel) writeSubscribe(conn *gorilla.Conn, subjectID, subscriptionID string) error {
	payload, err := cbor.Marshal(subscribeFrame{
		Action:         "subscribe",
		SubscriptionID: subscriptionID,
		SubjectID:      subjectID,
	})
	if err != nil {
		return err
	}

	if err := conn.WriteMessage(gorilla.BinaryMessage, payload); err != nil {
		return err
	}

	c.log.Debug("subscribed subject", "subject", subjectID, "subscription", subscriptionID)
	return nil
}

func (c *Channel) readLoop(conn *gorilla.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame wireFrame
		if err := cbor.Unmarshal(data, &frame); err != nil {
			c.log.Error("discarding undecodable push message", "error", err)
			continue
		}

		if frame.Type != "" && frame.Type != "invalidation" {
			c.log.Debug("ignoring push message", "type", frame.Type)
			continue
		}
		if frame.EntityKind == "" || frame.EntityID == "" {
			c.log.Warn("push message missing entity identity")
			continue
		}

		select {
		case c.out <- Invalidation{EntityKind: frame.EntityKind, EntityID: frame.EntityID}:
		default:
			c.log.Warn("dropping invalidation, consumer is slow",
				"entity_kind", frame.EntityKind, "entity_id", frame.EntityID)
		}
	}
}
