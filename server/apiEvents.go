package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/berginj/PitchTracker-sub000/pkg/eventbus"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Number of outbound messages buffered per websocket client before we
// start dropping. Event traffic is low rate (no frames), so a client
// this far behind is effectively dead.
const eventSendBufferSize = 64

// wsMessage is the envelope of every message on /api/ws/events.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// pitchStartJSON is the wire form of a pitch start. The bus event carries
// pre-roll frames; those never go over the websocket.
type pitchStartJSON struct {
	PitchIndex int    `json:"pitchIndex"`
	PitchID    string `json:"pitchID"`
	TimeNS     int64  `json:"timeNS"`
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// eventFeed fans bus events out to websocket clients.
type eventFeed struct {
	log      logs.Log
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
	subIDs   []int64

	// lock guards clients
	lock    sync.Mutex
	clients map[*eventClient]bool
}

func newEventFeed(logger logs.Log, bus *eventbus.Bus) *eventFeed {
	f := &eventFeed{
		log: logs.NewPrefixLogger(logger, "EventFeed"),
		bus: bus,
		upgrader: websocket.Upgrader{
			// The UI may be served from a different origin than the API.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*eventClient]bool{},
	}
	f.subIDs = append(f.subIDs, eventbus.Subscribe(bus, func(ev defs.ObservationDetected) {
		f.broadcast("observation", ev.Observation)
	}))
	f.subIDs = append(f.subIDs, eventbus.Subscribe(bus, func(ev defs.PitchStart) {
		f.broadcast("pitchStart", pitchStartJSON{PitchIndex: ev.PitchIndex, PitchID: ev.PitchID, TimeNS: ev.TimeNS})
	}))
	f.subIDs = append(f.subIDs, eventbus.Subscribe(bus, func(ev defs.PitchEnd) {
		f.broadcast("pitchEnd", ev.Pitch)
	}))
	f.subIDs = append(f.subIDs, eventbus.Subscribe(bus, func(ev defs.ConnectionStateChanged) {
		f.broadcast("connectionState", map[string]any{
			"cameraID": ev.CameraID,
			"old":      ev.Old.String(),
			"new":      ev.New.String(),
			"timeNS":   ev.TimeNS,
		})
	}))
	f.subIDs = append(f.subIDs, eventbus.Subscribe(bus, func(ev defs.ErrorReport) {
		f.broadcast("error", ev)
	}))
	return f
}

// HandleUpgrade turns an HTTP request into a websocket event subscriber.
func (f *eventFeed) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	client := &eventClient{
		conn: conn,
		send: make(chan []byte, eventSendBufferSize),
	}
	f.lock.Lock()
	f.clients[client] = true
	nClients := len(f.clients)
	f.lock.Unlock()
	f.log.Infof("Client connected (%v total)", nClients)

	go f.writeLoop(client)
	go f.readLoop(client)
}

// Stop unsubscribes from the bus and closes every client.
func (f *eventFeed) Stop() {
	for _, id := range f.subIDs {
		f.bus.Unsubscribe(id)
	}
	f.subIDs = nil
	f.lock.Lock()
	clients := make([]*eventClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.clients = map[*eventClient]bool{}
	f.lock.Unlock()
	for _, c := range clients {
		close(c.send)
	}
}

func (f *eventFeed) broadcast(msgType string, data any) {
	raw, err := json.Marshal(wsMessage{Type: msgType, Data: data})
	if err != nil {
		f.log.Errorf("Failed to marshal %v event: %v", msgType, err)
		return
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	for client := range f.clients {
		select {
		case client.send <- raw:
		default:
			// Client too slow. Drop the message rather than block the bus.
		}
	}
}

func (f *eventFeed) writeLoop(client *eventClient) {
	for raw := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			break
		}
	}
	client.conn.Close()
}

// readLoop exists to notice the client going away.
func (f *eventFeed) readLoop(client *eventClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			break
		}
	}
	f.lock.Lock()
	present := f.clients[client]
	delete(f.clients, client)
	f.lock.Unlock()
	if present {
		close(client.send)
	}
}
