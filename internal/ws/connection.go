package ws

import (
	"context"
	"errors"
	"sync"

	"quad/internal/models"
	"quad/internal/pubsub"

	"github.com/google/uuid"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type presenceTracker interface {
	Register(userID, handle string, info models.PresenceInfo)
	Heartbeat(handle string)
	Unregister(handle string)
	Snapshot() []models.PresenceInfo
}

type eventBroker interface {
	Subscribe(userID string, topics ...pubsub.Topic) *pubsub.Subscription
}

// Connection owns one live client stream: it registers the connection
// with the presence tracker, forwards published events to the socket and
// turns client pings into heartbeats.
type Connection struct {
	ws         wsConnection
	presence   presenceTracker
	sub        *pubsub.Subscription
	userID     string
	handle     string
	fromClient chan models.ClientEvent
	errorCh    chan error
}

func NewConnection(
	broker eventBroker,
	presence presenceTracker,
	ws wsConnection,
	userID string,
	info models.PresenceInfo,
) *Connection {
	handle := uuid.NewString()
	presence.Register(userID, handle, info)
	return &Connection{
		ws:         ws,
		presence:   presence,
		sub:        broker.Subscribe(userID, pubsub.TopicMessages, pubsub.TopicNotifications),
		userID:     userID,
		handle:     handle,
		fromClient: make(chan models.ClientEvent),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.sub.Close()
		c.presence.Unregister(c.handle)
	}()

	// The client renders the online list immediately from this snapshot;
	// later changes arrive as broadcast events.
	if err := c.ws.WriteJSON(models.Event{
		Type:   models.EventPresenceSnapshot,
		Online: c.presence.Snapshot(),
	}); err != nil {
		c.ws.Close()
		return err
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpClientEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpClientEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.processClientEvent(ev)
		case event := <-c.sub.C:
			if err := c.ws.WriteJSON(event); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(ev models.ClientEvent) {
	switch ev.Type {
	case models.ClientEventTypePing:
		c.presence.Heartbeat(c.handle)
	}
}
