package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/broadcast"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

func (s *Server) wsAuthenticated(w http.ResponseWriter, r *http.Request) {
	s.servePush(w, r, broadcast.TopicAuthenticated)
}

func (s *Server) wsPublic(w http.ResponseWriter, r *http.Request) {
	s.servePush(w, r, broadcast.TopicPublic)
}

// servePush runs one browser subscription: an immediate full-list
// payload, then hub messages until either side closes.
func (s *Server) servePush(w http.ResponseWriter, r *http.Request, topic broadcast.Topic) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("server").Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.Hub.Subscribe(topic)
	defer s.Hub.Unsubscribe(topic, sub)
	metrics.PushSubscribers.WithLabelValues(string(topic)).Inc()
	defer metrics.PushSubscribers.WithLabelValues(string(topic)).Dec()

	// Read pump: clients send nothing meaningful, but reading drives
	// pong handling and close detection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writePushMessage(conn, s.Push.FullListMessage(topic)); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if err := writePushMessage(conn, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writePushMessage(conn *websocket.Conn, msg *broadcast.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// wsAgent serves the WebSocket agent transport. Each binary frame is one
// marshaled envelope; WebSocket framing replaces the length prefix used
// elsewhere.
func (s *Server) wsAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("server").Debug().Err(err).Msg("agent ws upgrade failed")
		return
	}
	stream := &wsStream{conn: conn}
	if err := s.Handler.HandleStream(stream, conn.Close); err != nil {
		log.WithComponent("server").Debug().Err(err).Msg("agent ws session ended")
	}
	conn.Close()
}

// wsStream adapts a websocket connection to the session stream contract.
type wsStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (s *wsStream) Send(m *proto.MessageToAgent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, m.Marshal())
}

func (s *wsStream) Recv() (*proto.MessageToServer, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		m := &proto.MessageToServer{}
		if err := m.Unmarshal(data); err != nil {
			return nil, err
		}
		return m, nil
	}
}
