// Package ws carries replication frames over gorilla websockets.
package ws

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"

	rnet "replicore/internal/net"
	"replicore/internal/net/proto"
	"replicore/internal/telemetry"
)

const writeWait = 5 * time.Second

// ErrUnknownPeer is returned when addressing a participant with no session.
var ErrUnknownPeer = eris.New("ws: unknown participant")

type session struct {
	id   proto.ParticipantID
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ServerConfig configures the accepting side.
type ServerConfig struct {
	Logger     telemetry.Logger
	QueueLimit int
	// NewID mints participant identities; defaults to random UUIDs.
	NewID func() proto.ParticipantID
	Now   func() time.Time
}

// Server accepts participant connections and implements rnet.Transport for
// the authoritative side.
type Server struct {
	mux      *rnet.Mux
	logger   telemetry.Logger
	newID    func() proto.ParticipantID
	now      func() time.Time
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[proto.ParticipantID]*session
	closed   bool
}

var _ rnet.Transport = (*Server)(nil)
var _ rnet.Peers = (*Server)(nil)

// NewServer constructs a websocket server transport.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() proto.ParticipantID { return proto.ParticipantID(uuid.NewString()) }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		mux:      rnet.NewMux(cfg.QueueLimit),
		logger:   logger,
		newID:    newID,
		now:      now,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[proto.ParticipantID]*session),
	}
}

// ServeHTTP upgrades the request and runs the session until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	sess := &session{id: s.newID(), conn: conn}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	if err := s.welcome(sess); err != nil {
		s.logger.Printf("failed to welcome %s: %v", sess.id, err)
		s.disconnect(sess)
		return
	}
	s.mux.DeliverControl(rnet.Envelope{Channel: proto.ChannelJoin, From: sess.id})
	s.readLoop(sess)
}

func (s *Server) welcome(sess *session) error {
	payload, err := proto.Encode(proto.Welcome{Participant: sess.id, ServerTime: s.now().UnixMilli()})
	if err != nil {
		return err
	}
	data, err := encode(proto.ChannelWelcome, "", payload)
	if err != nil {
		return err
	}
	return sess.write(data)
}

func (s *Server) readLoop(sess *session) {
	defer s.disconnect(sess)
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := decode(data)
		if err != nil {
			s.logger.Printf("discarding malformed frame from %s: %v", sess.id, err)
			continue
		}
		switch env.Channel {
		case proto.ChannelJoin, proto.ChannelLeave, proto.ChannelWelcome:
			s.logger.Printf("discarding reserved channel %s from %s", env.Channel, sess.id)
			continue
		}
		env.From = sess.id
		if !s.mux.Deliver(env) {
			s.logger.Printf("inbound queue full, dropping %s from %s", env.Channel, sess.id)
		}
	}
}

func (s *Server) disconnect(sess *session) {
	s.mu.Lock()
	current, ok := s.sessions[sess.id]
	if ok && current == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
	sess.conn.Close()
	if ok && current == sess {
		s.mux.DeliverControl(rnet.Envelope{Channel: proto.ChannelLeave, From: sess.id})
	}
}

func (s *Server) Local() proto.ParticipantID { return proto.ServerID }

func (s *Server) Send(to proto.ParticipantID, channel proto.Channel, entity proto.EntityID, payload []byte) error {
	s.mu.RLock()
	sess, ok := s.sessions[to]
	s.mu.RUnlock()
	if !ok {
		return eris.Wrapf(ErrUnknownPeer, "send %s to %s", channel, to)
	}
	data, err := encode(channel, entity, payload)
	if err != nil {
		return err
	}
	if err := sess.write(data); err != nil {
		s.disconnect(sess)
		return eris.Wrapf(err, "send %s to %s", channel, to)
	}
	return nil
}

func (s *Server) Broadcast(channel proto.Channel, entity proto.EntityID, payload []byte, except ...proto.ParticipantID) error {
	data, err := encode(channel, entity, payload)
	if err != nil {
		return err
	}
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if !excluded(id, except) {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.write(data); err != nil {
			s.logger.Printf("broadcast %s to %s failed: %v", channel, sess.id, err)
			s.disconnect(sess)
		}
	}
	return nil
}

func (s *Server) Subscribe(channel proto.Channel, handler rnet.Handler) rnet.Subscription {
	return s.mux.Subscribe(channel, handler)
}

func (s *Server) Drain() int { return s.mux.Drain() }

// Peers lists connected participants in order.
func (s *Server) Peers() []proto.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proto.ParticipantID, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close refuses new sessions and closes every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.mu.Lock()
		sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		sess.mu.Unlock()
		sess.conn.Close()
	}
	return nil
}

// Client is the participant side of a websocket connection.
type Client struct {
	id     proto.ParticipantID
	sess   *session
	mux    *rnet.Mux
	logger telemetry.Logger
	done   chan struct{}
	once   sync.Once
}

var _ rnet.Transport = (*Client)(nil)

// Dial connects to a server and waits for its welcome frame.
func Dial(ctx context.Context, url string, logger telemetry.Logger) (*Client, error) {
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "dial %s", url)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "read welcome")
	}
	conn.SetReadDeadline(time.Time{})
	env, err := decode(data)
	if err != nil || env.Channel != proto.ChannelWelcome {
		conn.Close()
		return nil, eris.Errorf("expected %s frame, got %q (%v)", proto.ChannelWelcome, env.Channel, err)
	}
	welcome, err := proto.Decode[proto.Welcome](env.Payload)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		id:     welcome.Participant,
		sess:   &session{id: welcome.Participant, conn: conn},
		mux:    rnet.NewMux(0),
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.sess.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := decode(data)
		if err != nil {
			c.logger.Printf("discarding malformed frame: %v", err)
			continue
		}
		env.From = proto.ServerID
		c.mux.Deliver(env)
	}
}

func (c *Client) Local() proto.ParticipantID { return c.id }

func (c *Client) Send(to proto.ParticipantID, channel proto.Channel, entity proto.EntityID, payload []byte) error {
	if to != proto.ServerID {
		return eris.Wrapf(ErrUnknownPeer, "client may only address the server, not %s", to)
	}
	return c.Broadcast(channel, entity, payload)
}

func (c *Client) Broadcast(channel proto.Channel, entity proto.EntityID, payload []byte, except ...proto.ParticipantID) error {
	if excluded(proto.ServerID, except) {
		return nil
	}
	data, err := encode(channel, entity, payload)
	if err != nil {
		return err
	}
	return c.sess.write(data)
}

func (c *Client) Subscribe(channel proto.Channel, handler rnet.Handler) rnet.Subscription {
	return c.mux.Subscribe(channel, handler)
}

func (c *Client) Drain() int { return c.mux.Drain() }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.once.Do(func() {
		c.sess.conn.Close()
		close(c.done)
	})
	return nil
}

func encode(channel proto.Channel, entity proto.EntityID, payload []byte) ([]byte, error) {
	frame, err := proto.NewFrame(channel, entity, payload)
	if err != nil {
		return nil, err
	}
	return proto.EncodeFrame(frame)
}

func decode(data []byte) (rnet.Envelope, error) {
	frame, err := proto.DecodeFrame(data)
	if err != nil {
		return rnet.Envelope{}, err
	}
	body, err := frame.Body()
	if err != nil {
		return rnet.Envelope{}, err
	}
	return rnet.Envelope{Channel: frame.Channel, Entity: frame.Entity, Payload: body}, nil
}

func excluded(id proto.ParticipantID, except []proto.ParticipantID) bool {
	for _, x := range except {
		if x == id {
			return true
		}
	}
	return false
}
