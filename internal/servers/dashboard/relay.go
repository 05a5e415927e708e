package dashboard

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
)

// eventRelay fans dashboard events out to websocket clients.
type eventRelay struct {
	log logger.Writer

	mutex   sync.Mutex
	clients map[*websocket.Conn]bool
}

func newEventRelay(log logger.Writer) *eventRelay {
	return &eventRelay{
		log:     log,
		clients: make(map[*websocket.Conn]bool),
	}
}

func (r *eventRelay) addClient(ws *websocket.Conn) {
	r.mutex.Lock()
	r.clients[ws] = true
	n := len(r.clients)
	r.mutex.Unlock()
	r.log.Log(logger.Info, "event client connected, total: %d", n)
}

func (r *eventRelay) removeClient(ws *websocket.Conn) {
	r.mutex.Lock()
	delete(r.clients, ws)
	n := len(r.clients)
	r.mutex.Unlock()
	ws.Close()
	r.log.Log(logger.Info, "event client disconnected, total: %d", n)
}

// broadcast holds the full lock; a websocket connection allows a
// single concurrent writer.
func (r *eventRelay) broadcast(v interface{}) {
	var failed []*websocket.Conn

	r.mutex.Lock()
	for ws := range r.clients {
		if err := ws.WriteJSON(v); err != nil {
			r.log.Log(logger.Warn, "dropping event client: %v", err)
			failed = append(failed, ws)
		}
	}
	r.mutex.Unlock()

	for _, ws := range failed {
		r.removeClient(ws)
	}
}

func (r *eventRelay) closeAll() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for ws := range r.clients {
		ws.Close()
		delete(r.clients, ws)
	}
}
