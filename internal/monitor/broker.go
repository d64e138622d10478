package monitor

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/config"
)

// pushSnapshotLimit bounds the per-list entry count in the trimmed
// payload PushBroker fans out — the last 10 requests/janitor/error
// entries, not the full rings a Snapshot carries.
const pushSnapshotLimit = 10

// PushBroker fans out a trimmed PushSnapshot projection to WebSocket
// subscribers on a fixed tick. A sink that misses too many consecutive
// sends (slow reader, dead connection) is dropped.
type PushBroker struct {
	monitor *Monitor
	cfg     *config.Config

	mu    sync.Mutex
	sinks map[*websocket.Conn]int // conn -> consecutive miss count

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPushBroker creates and starts a PushBroker.
func NewPushBroker(m *Monitor, cfg *config.Config) *PushBroker {
	b := &PushBroker{
		monitor: m,
		cfg:     cfg,
		sinks:   make(map[*websocket.Conn]int),
		stopCh:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Register adds a connection to the fan-out set. The caller owns reading
// from conn (for close detection); the broker only ever writes.
func (b *PushBroker) Register(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[conn] = 0
}

// Unregister removes a connection without closing it, for callers that
// detect closure via their own read loop.
func (b *PushBroker) Unregister(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, conn)
}

func (b *PushBroker) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.BrokerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.broadcast()
		case <-b.stopCh:
			return
		}
	}
}

func (b *PushBroker) broadcast() {
	snap := b.monitor.PushSnapshot(pushSnapshotLimit)

	b.mu.Lock()
	defer b.mu.Unlock()

	for conn, misses := range b.sinks {
		conn.SetWriteDeadline(time.Now().Add(b.cfg.BrokerSendTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			misses++
			if misses >= b.cfg.BrokerMaxMisses {
				log.Warn().Int("misses", misses).Msg("monitor: dropping unresponsive push sink")
				delete(b.sinks, conn)
				conn.Close()
				continue
			}
			b.sinks[conn] = misses
			continue
		}
		b.sinks[conn] = 0
	}
}

// Close stops the broadcast loop and closes every registered sink.
func (b *PushBroker) Close() {
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.sinks {
		conn.Close()
	}
	b.sinks = make(map[*websocket.Conn]int)
}
