package ws

import (
	"context"
	"errors"
	"sync"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type gatewayHub interface {
	Join(accountID string) chan ServerMessage
	Leave(accountID string, ch chan ServerMessage)
}

// Connection pumps one websocket: server pushes flow out, client frames
// flow in. Its lifetime owns the hub registration.
type Connection struct {
	ws         wsConnection
	hub        gatewayHub
	accountID  string
	fromClient chan ClientMessage
	fromServer chan ServerMessage
	errorCh    chan error
}

func NewConnection(hub gatewayHub, ws wsConnection, accountID string) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		accountID:  accountID,
		fromClient: make(chan ClientMessage),
		fromServer: hub.Join(accountID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.accountID, c.fromServer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
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

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientMessage(msg); err != nil {
				return err
			}
		case msg, ok := <-c.fromServer:
			if !ok {
				// Replaced by a newer connection for the same account.
				return nil
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(msg ClientMessage) error {
	switch msg.Type {
	case ClientPing:
		return c.ws.WriteJSON(ServerMessage{Type: ServerPong})
	}
	return nil
}
