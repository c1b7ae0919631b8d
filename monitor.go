package vxsdr

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var monitorUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshot is one broadcast frame: the device's current transport and
// throttle state, pushed to every connected observer.
type Snapshot struct {
	Timestamp      time.Time       `json:"timestamp"`
	CommandStats   directionStats  `json:"command"`
	DataStats      directionStats  `json:"data"`
	ThrottleState  ThrottleState   `json:"throttle_state"`
	FillPercent    uint32          `json:"fill_percent"`
	PacketOOSCount uint32          `json:"packet_oos_count"`
	Async          *AsyncEvent     `json:"async,omitempty"`
	Host           *HostSample     `json:"host,omitempty"`
}

// observer is one connected websocket client; writeChan is buffered
// and non-blocking so a slow client can't stall the broadcaster.
type observer struct {
	id        uuid.UUID
	conn      *websocket.Conn
	writeChan chan Snapshot
	done      chan struct{}
}

// Monitor fans Snapshot frames out to every connected websocket observer.
type Monitor struct {
	log *Logger

	mu        sync.RWMutex
	observers map[uuid.UUID]*observer

	hostSource func() HostSample
}

// SetHostSource attaches a host-resource sampler (see hoststats.go) so
// periodic snapshots carry host CPU/memory/load alongside transport
// state. Call before PeriodicBroadcast.
func (m *Monitor) SetHostSource(fn func() HostSample) { m.hostSource = fn }

// NewMonitor constructs an empty observer registry.
func NewMonitor(log *Logger) *Monitor {
	if log == nil {
		log = defaultLogger
	}
	return &Monitor{log: log, observers: make(map[uuid.UUID]*observer)}
}

// ServeHTTP upgrades the connection and registers it as an observer
// until the client disconnects.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := monitorUpgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warnf("monitor: upgrade failed: %v", err)
		return
	}

	obs := &observer{
		id:        uuid.New(),
		conn:      conn,
		writeChan: make(chan Snapshot, 30),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.observers[obs.id] = obs
	m.mu.Unlock()

	go m.writerLoop(obs)
	m.readLoop(obs)
}

func (m *Monitor) writerLoop(obs *observer) {
	defer close(obs.done)
	for snap := range obs.writeChan {
		obs.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := obs.conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

func (m *Monitor) readLoop(obs *observer) {
	defer m.remove(obs)
	for {
		if _, _, err := obs.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *Monitor) remove(obs *observer) {
	m.mu.Lock()
	delete(m.observers, obs.id)
	m.mu.Unlock()
	close(obs.writeChan)
	<-obs.done
	obs.conn.Close()
}

// Broadcast pushes snap to every connected observer, dropping it for any
// observer whose write channel is currently full.
func (m *Monitor) Broadcast(snap Snapshot) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, obs := range m.observers {
		select {
		case obs.writeChan <- snap:
		default:
			m.log.Warnf("monitor: dropping frame for observer %s (slow consumer)", obs.id)
		}
	}
}

// Sink returns an AsyncSink that broadcasts a Snapshot carrying the
// event whenever one is dispatched.
func (m *Monitor) Sink(d *Device) AsyncSink {
	return func(ev AsyncEvent) {
		snap := Snapshot{
			Timestamp:      ev.Received,
			CommandStats:   d.CommandStats(),
			DataStats:      d.DataStats(),
			ThrottleState:  d.ThrottleState(),
			FillPercent:    d.FillPercent(),
			PacketOOSCount: d.PacketOOSCount(),
			Async:          &ev,
		}
		m.Broadcast(snap)
	}
}

// PeriodicBroadcast starts a goroutine that pushes a Snapshot every
// interval until stop is closed.
func (m *Monitor) PeriodicBroadcast(d *Device, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				snap := Snapshot{
					Timestamp:      time.Now(),
					CommandStats:   d.CommandStats(),
					DataStats:      d.DataStats(),
					ThrottleState:  d.ThrottleState(),
					FillPercent:    d.FillPercent(),
					PacketOOSCount: d.PacketOOSCount(),
				}
				if m.hostSource != nil {
					host := m.hostSource()
					snap.Host = &host
				}
				m.Broadcast(snap)
			}
		}
	}()
}

