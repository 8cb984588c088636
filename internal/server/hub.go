package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

// Hub owns the lifecycle of websocket clients: it binds each new client to a
// relay connection, runs its pumps, and releases it when either pump exits.
// Routing of messages is the relay's job; the hub only tracks sockets.
type Hub struct {
	relay      *relay.Relay
	log        zerolog.Logger
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub serving r.
func NewHub(r *relay.Relay, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		relay:      r,
		log:        log.With().Str("component", "hub").Logger(),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				continue
			}
			h.attach(client)

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

// Attach hands a freshly upgraded client to the hub. It returns false when
// the hub is shutting down; the caller then owns the socket.
func (h *Hub) Attach(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) attach(client *Client) {
	client.conn = h.relay.Connect(client.identity, client)
	client.log = client.log.With().Str("conn_id", client.conn.ID()).Logger()

	h.mutex.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()
	client.log.Debug().Int("clients", clientCount).Msg("client attached")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// release is called by a client's read pump when the socket is done.
func (h *Hub) release(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
		h.remove(client)
	}
}

// remove detaches a client and tears down its relay connection.
func (h *Hub) remove(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()
	if !ok {
		return
	}

	h.relay.Disconnect(client.conn)
	client.Close()
	client.log.Debug().Int("clients", clientCount).Msg("client detached")
}

// shutdownClients closes every attached socket. Their read pumps then
// release them.
func (h *Hub) shutdownClients() {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		client.Close()
		if client.ws != nil {
			if err := client.ws.Close(); err != nil && !isExpectedCloseError(err) {
				client.log.Debug().Err(err).Msg("error closing client connection")
			}
		}
	}

	h.log.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops the hub and waits for all client goroutines to finish,
// or for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
