package admin

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	messages "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/gorilla/websocket"

	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
)

// Heartbeat interval for connected event clients.
const heartbeatInterval = 20 * time.Second

// EventFeed pushes stream lifecycle events to websocket clients. It
// implements router.EventListener; callbacks run on media goroutines
// and only enqueue, each client's messages are written from its own
// goroutine.
type EventFeed struct {
	upgrader websocket.Upgrader

	lock    sync.Mutex
	clients map[*eventClient]bool
}

type eventClient struct {
	conn  *websocket.Conn
	queue chan string
}

// NewEventFeed creates an empty feed.
func NewEventFeed() *EventFeed {
	return &EventFeed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*eventClient]bool),
	}
}

// ServeHTTP upgrades one dashboard connection and streams events to it
// until it drops.
func (f *EventFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rtlog.Error(err)
		return
	}

	client := &eventClient{
		conn:  conn,
		queue: make(chan string, 64),
	}

	f.lock.Lock()
	f.clients[client] = true
	f.lock.Unlock()

	rtlog.Request("[WS-EVENTS] Client connected: " + conn.RemoteAddr().String())

	go f.runWriter(client)
	f.runReader(client)
}

// runReader consumes (and discards) client frames so pings are
// answered, detaching the client on error.
func (f *EventFeed) runReader(client *eventClient) {
	for {
		if err := client.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			break
		}
		if _, _, err := client.conn.ReadMessage(); err != nil {
			break
		}
	}
	f.detach(client)
}

// runWriter drains the client's queue, interleaving heartbeats.
func (f *EventFeed) runWriter(client *eventClient) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.queue:
			if !ok {
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				f.detach(client)
				return
			}
		case <-ticker.C:
			heartbeat := messages.RPCMessage{Method: "HEARTBEAT"}
			if err := client.conn.WriteMessage(websocket.TextMessage, []byte(heartbeat.Serialize())); err != nil {
				f.detach(client)
				return
			}
		}
	}
}

func (f *EventFeed) detach(client *eventClient) {
	f.lock.Lock()
	if !f.clients[client] {
		f.lock.Unlock()
		return
	}
	delete(f.clients, client)
	f.lock.Unlock()

	client.conn.Close()
	close(client.queue)
}

// broadcast serializes one event to every connected client, dropping
// the event for clients whose queue is full.
func (f *EventFeed) broadcast(method string, params map[string]string) {
	msg := messages.RPCMessage{
		Method: method,
		Params: params,
	}
	serialized := msg.Serialize()

	f.lock.Lock()
	defer f.lock.Unlock()

	for client := range f.clients {
		select {
		case client.queue <- serialized:
		default:
		}
	}
}

/* router.EventListener */

// OnPublishStart announces a stream going live.
func (f *EventFeed) OnPublishStart(streamURL string) {
	f.broadcast("PUBLISH-START", map[string]string{
		"Stream": streamURL,
	})
}

// OnPublishStop announces a stream ending.
func (f *EventFeed) OnPublishStop(streamURL string) {
	f.broadcast("PUBLISH-STOP", map[string]string{
		"Stream": streamURL,
	})
}

// OnSubscriberJoin announces a subscriber attaching.
func (f *EventFeed) OnSubscriberJoin(streamURL string, subscribers int) {
	f.broadcast("SUBSCRIBER-JOIN", map[string]string{
		"Stream":      streamURL,
		"Subscribers": strconv.Itoa(subscribers),
	})
}

// OnSubscriberLeave announces a subscriber detaching.
func (f *EventFeed) OnSubscriberLeave(streamURL string, subscribers int) {
	f.broadcast("SUBSCRIBER-LEAVE", map[string]string{
		"Stream":      streamURL,
		"Subscribers": strconv.Itoa(subscribers),
	})
}
