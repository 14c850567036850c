// Package wireserver hosts the WebSocket endpoint C7 describes: one
// connection per client, one subscribe message per logical subscription,
// snapshot batching, gzip-threshold framing, and ping/pong keep-alive.
package wireserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hypertekorg/hyperstack/internal/bus"
	"github.com/hypertekorg/hyperstack/internal/logging"
	"github.com/hypertekorg/hyperstack/internal/metrics"
	"github.com/hypertekorg/hyperstack/internal/wire"
)

// Config holds the runtime-tunable knobs for the wire server, sourced from
// config.RuntimeConfig.
type Config struct {
	ListenAddr                string
	PingInterval              time.Duration
	PongTimeout               time.Duration
	SnapshotBatchSize         int
	CompressionThresholdBytes int
	BackpressureQueueSize     int
	BackpressureThreshold     uint64
	InboundMessagesPerSecond  rate.Limit
}

// SnapshotProvider supplies the current entries for a subscription's
// snapshot batch and the sort config (for latest/top views) echoed in the
// Subscribed frame.
type SnapshotProvider interface {
	Snapshot(sub wire.Subscription) (entries []wire.Frame, sort *wire.SortConfig)
}

// Server is the WebSocket connection acceptor and per-connection driver.
// It implements internal/system.Service.
type Server struct {
	cfg      Config
	bus      *bus.Bus
	snapshot SnapshotProvider
	log      *logging.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// New builds a Server. snapshot may be nil, in which case subscriptions
// receive only the Subscribed frame and no Snapshot frame (useful in tests).
func New(cfg Config, b *bus.Bus, snapshot SnapshotProvider, log *logging.Logger, m *metrics.Metrics) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 30 * time.Second
	}
	if cfg.SnapshotBatchSize <= 0 {
		cfg.SnapshotBatchSize = 500
	}
	if cfg.InboundMessagesPerSecond <= 0 {
		cfg.InboundMessagesPerSecond = 50
	}
	return &Server{
		cfg:      cfg,
		bus:      b,
		snapshot: snapshot,
		log:      log,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Name() string { return "wire" }

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  s.cfg.PongTimeout + 5*time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithContext(ctx).WithError(err).Error("wire server listen failed")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.WireConnections.Inc()
		defer s.metrics.WireConnections.Dec()
	}
	c := newConnection(conn, s)
	c.run(r.Context())
}

// connection drives one upgraded WebSocket for its lifetime: the read
// pump decodes inbound subscribe/unsubscribe/pong messages, the
// ping/pong timer keeps liveness, and one goroutine per active
// subscription drains its bus.Subscription and writes frames out.
type connection struct {
	srv     *Server
	conn    *websocket.Conn
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[string]*bus.Subscription

	writeMu sync.Mutex
}

func newConnection(conn *websocket.Conn, srv *Server) *connection {
	return &connection{
		srv:     srv,
		conn:    conn,
		limiter: rate.NewLimiter(srv.cfg.InboundMessagesPerSecond, int(srv.cfg.InboundMessagesPerSecond)+1),
		subs:    make(map[string]*bus.Subscription),
	}
}

func (c *connection) run(ctx context.Context) {
	defer c.close()

	c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.PongTimeout))
		return nil
	})

	go c.pingLoop(ctx)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		c.handleMessage(ctx, raw)
	}
}

func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *connection) handleMessage(ctx context.Context, raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := wire.Decode(raw, &envelope); err != nil {
		return
	}
	switch envelope.Type {
	case "subscribe":
		var msg wire.SubscribeMsg
		if err := wire.Decode(raw, &msg); err != nil {
			return
		}
		c.subscribe(ctx, msg.Subscription)
	case "unsubscribe":
		var msg wire.UnsubscribeMsg
		if err := wire.Decode(raw, &msg); err != nil {
			return
		}
		c.unsubscribe(msg.SubscriptionID)
	}
}

func (c *connection) subscribe(ctx context.Context, spec wire.Subscription) {
	id := uuid.NewString()
	sub := c.srv.bus.Subscribe(id, spec.View, spec.Key)

	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	var sortCfg *wire.SortConfig
	var snapshotFrames []wire.Frame
	if c.srv.snapshot != nil {
		snapshotFrames, sortCfg = c.srv.snapshot.Snapshot(spec)
	}

	c.writeValue(wire.Subscribed{SubscriptionID: id, View: spec.View, Sort: sortCfg})
	c.writeSnapshotBatch(spec.View, snapshotFrames)

	go c.drain(ctx, id, sub)
}

func (c *connection) unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		c.srv.bus.Unsubscribe(sub.View, id)
	}
}

func (c *connection) drain(ctx context.Context, id string, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			if c.srv.metrics != nil {
				c.srv.metrics.FramesEmitted.WithLabelValues(string(frame.Op)).Inc()
			}
			if err := c.writeValue(frame); err != nil {
				return
			}
		}
	}
}

// writeSnapshotBatch sends a subscription's current entries as zero or
// more Snapshot frames, each carrying up to SnapshotBatchSize bare
// key/data pairs for view (spec §4.7/§6: `Snapshot{entity, data: [{key,
// data}, ...]}`).
func (c *connection) writeSnapshotBatch(view string, frames []wire.Frame) {
	batch := c.srv.cfg.SnapshotBatchSize
	for i := 0; i < len(frames); i += batch {
		end := i + batch
		if end > len(frames) {
			end = len(frames)
		}
		entries := make([]wire.SnapshotEntry, end-i)
		for j, f := range frames[i:end] {
			data, _ := f.Data.(map[string]any)
			entries[j] = wire.SnapshotEntry{Key: f.Key, Data: data}
		}
		snap := wire.Frame{Op: wire.OpSnapshot, Entity: view, Data: entries}
		if err := c.writeValue(snap); err != nil {
			return
		}
	}
}

func (c *connection) writeValue(v any) error {
	enc, err := wire.Encode(v, c.srv.cfg.CompressionThresholdBytes)
	if err != nil {
		return err
	}
	msgType := websocket.TextMessage
	if enc.IsBinary {
		msgType = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(msgType, enc.Payload)
}

func (c *connection) close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for id, sub := range subs {
		c.srv.bus.Unsubscribe(sub.View, id)
	}
	c.conn.Close()
}
