package mqclients

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

func init() {
	MQClients = append(MQClients, "websocket")
}

// WebsocketMQClient fans produced payloads out to downstream WebSocket
// consumers. Consumers speak a minimal gateway dialect: they receive a
// HELLO on connect, identify with the expected token and their shard,
// and heartbeat to stay alive. Events for a shard are only delivered to
// consumers identified for that shard.
type WebsocketMQClient struct {
	server     *fanoutServer
	httpServer *http.Server
}

type fanoutServer struct {
	logger *slog.Logger

	expectedToken string

	// subscriberMessageBuffer controls the max number of messages that
	// can be queued for a subscriber before it is dropped.
	subscriberMessageBuffer int

	serveMux http.ServeMux

	subscribersMu sync.RWMutex
	subscribers   map[*subscriber]struct{}
}

type subscriber struct {
	shard      [2]int32
	identified bool

	msgs      chan []byte
	closeSlow func()
}

func newFanoutServer(expectedToken string) *fanoutServer {
	fs := &fanoutServer{
		logger: slog.Default().With("mq_client", "websocket"),

		expectedToken: expectedToken,

		subscriberMessageBuffer: 256,

		subscribers: make(map[*subscriber]struct{}),
	}

	fs.serveMux.HandleFunc("/", fs.subscribeHandler)

	return fs
}

func (fs *fanoutServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.serveMux.ServeHTTP(w, r)
}

func (fs *fanoutServer) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	err := fs.subscribe(r.Context(), w, r)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return
	}

	fs.logger.Debug("Subscriber disconnected", "error", err)
}

func (fs *fanoutServer) subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}

	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &subscriber{
		msgs: make(chan []byte, fs.subscriberMessageBuffer),
		closeSlow: func() {
			conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
		},
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"op":10,"d":{"heartbeat_interval":45000}}`)); err != nil {
		return err
	}

	go fs.readMessages(ctx, cancel, conn, s)

	fs.addSubscriber(s)
	defer fs.deleteSubscriber(s)

	for {
		select {
		case msg := <-s.msgs:
			if err := writeTimeout(ctx, 5*time.Second, conn, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readMessages handles identify and heartbeat packets from a consumer.
func (fs *fanoutServer) readMessages(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, s *subscriber) {
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var packet struct {
			Op   int             `json:"op"`
			Data json.RawMessage `json:"d"`
		}

		if err := json.Unmarshal(data, &packet); err != nil {
			fs.logger.Debug("Failed to unmarshal subscriber packet", "error", err)

			continue
		}

		switch packet.Op {
		case 1:
			select {
			case s.msgs <- []byte(`{"op":11}`):
			default:
			}
		case 2:
			var identify struct {
				Token string   `json:"token"`
				Shard [2]int32 `json:"shard"`
			}

			if err := json.Unmarshal(packet.Data, &identify); err != nil {
				fs.logger.Debug("Failed to unmarshal subscriber identify", "error", err)

				continue
			}

			if identify.Token != fs.expectedToken {
				conn.Close(websocket.StatusCode(4004), "Authentication failed")

				return
			}

			s.shard = identify.Shard
			s.identified = true

			fs.logger.Debug("Subscriber identified", "shard", identify.Shard)
		}
	}
}

// publish fans the payload out to every identified subscriber for the
// shard. It never blocks; slow subscribers are disconnected.
func (fs *fanoutServer) publish(shardID int32, data []byte) {
	fs.subscribersMu.RLock()
	defer fs.subscribersMu.RUnlock()

	for s := range fs.subscribers {
		if !s.identified || s.shard[0] != shardID {
			continue
		}

		select {
		case s.msgs <- data:
		default:
			go s.closeSlow()
		}
	}
}

func (fs *fanoutServer) addSubscriber(s *subscriber) {
	fs.subscribersMu.Lock()
	fs.subscribers[s] = struct{}{}
	fs.subscribersMu.Unlock()
}

func (fs *fanoutServer) deleteSubscriber(s *subscriber) {
	fs.subscribersMu.Lock()
	delete(fs.subscribers, s)
	fs.subscribersMu.Unlock()
}

func writeTimeout(ctx context.Context, timeout time.Duration, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, msg)
}

func (websocketMQ *WebsocketMQClient) String() string {
	return "websocket"
}

func (websocketMQ *WebsocketMQClient) Channel() string {
	return "websocket"
}

func (websocketMQ *WebsocketMQClient) Connect(ctx context.Context, clientName string, args map[string]any) error {
	var ok bool

	var address string

	if address, ok = GetEntry(args, "Address").(string); !ok {
		return errors.New("websocketMQ connect: string type assertion failed for Address")
	}

	var expectedToken string

	if expectedToken, ok = GetEntry(args, "ExpectedToken").(string); !ok {
		return errors.New("websocketMQ connect: string type assertion failed for ExpectedToken")
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.New("websocketMQ listen: " + err.Error())
	}

	websocketMQ.server = newFanoutServer(expectedToken)
	websocketMQ.httpServer = &http.Server{Handler: websocketMQ.server}

	go func() {
		websocketMQ.httpServer.Serve(listener)
	}()

	return nil
}

func (websocketMQ *WebsocketMQClient) Publish(ctx context.Context, channelName string, data []byte) error {
	// The shard travels inside the payload metadata.
	var envelope struct {
		Metadata struct {
			Shard [3]int32 `json:"s"`
		} `json:"__metadata"`
	}

	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	websocketMQ.server.publish(envelope.Metadata.Shard[1], data)

	return nil
}

func (websocketMQ *WebsocketMQClient) Close() {
	if websocketMQ.httpServer != nil {
		websocketMQ.httpServer.Close()
		websocketMQ.httpServer = nil
	}

	websocketMQ.server = nil
}
