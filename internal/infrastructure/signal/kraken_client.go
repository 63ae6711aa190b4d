package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
)

// krakenRequestEnvelope frames one request on the Kraken channel.
type krakenRequestEnvelope struct {
	RequestID      string           `json:"request_id"`
	Action         string           `json:"action"`
	CallID         string           `json:"call_id"`
	ConversationID string           `json:"conversation_id"`
	TrackID        string           `json:"track_id,omitempty"`
	JSEP           *domain.SDP      `json:"jsep,omitempty"`
	Candidate      string           `json:"candidate,omitempty"`
	Recipients     []domain.UserID  `json:"recipients,omitempty"`
}

type krakenResponseEnvelope struct {
	RequestID string      `json:"request_id"`
	Error     string      `json:"error,omitempty"`
	TrackID   string      `json:"track_id,omitempty"`
	JSEP      *domain.SDP `json:"jsep,omitempty"`
}

// KrakenClient speaks the group-call signaling protocol over one shared
// websocket connection. Requests are correlated by id; the connection is
// dialed lazily and redialed after failures.
type KrakenClient struct {
	url            string
	requestTimeout time.Duration
	logger         *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan krakenResponseEnvelope
	closed  bool
}

func NewKrakenClient(url string, requestTimeout time.Duration, logger *zap.SugaredLogger) *KrakenClient {
	return &KrakenClient{
		url:            url,
		requestTimeout: requestTimeout,
		logger:         logger,
		pending:        make(map[string]chan krakenResponseEnvelope),
	}
}

// Request performs one synchronous exchange. Protocol-level errors come back
// as domain errors; transport failures as ErrNetworkFailure so callers retry.
func (c *KrakenClient) Request(ctx context.Context, req *domain.KrakenRequest) (*domain.KrakenResponse, error) {
	tracer := otel.Tracer("callnet/kraken")
	ctx, span := tracer.Start(ctx, "kraken."+string(req.Action))
	defer span.End()
	span.SetAttributes(
		attribute.String("call.id", req.CallID.String()),
		attribute.String("conversation.id", string(req.ConversationID)),
	)

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	requestID := uuid.NewString()
	respChan := make(chan krakenResponseEnvelope, 1)

	conn, err := c.register(requestID, respChan)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer c.unregister(requestID)

	envelope := krakenRequestEnvelope{
		RequestID:      requestID,
		Action:         string(req.Action),
		CallID:         req.CallID.String(),
		ConversationID: string(req.ConversationID),
		TrackID:        req.TrackID,
		JSEP:           req.JSEP,
		Candidate:      req.Candidate,
		Recipients:     req.Recipients,
	}
	if err := c.write(conn, envelope); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", domain.ErrNetworkFailure, err)
	}

	select {
	case <-ctx.Done():
		span.SetStatus(codes.Error, "timeout")
		return nil, fmt.Errorf("%w: %v", domain.ErrNetworkFailure, ctx.Err())
	case resp := <-respChan:
		if resp.Error != "" {
			err := mapKrakenError(resp.Error)
			span.SetStatus(codes.Error, resp.Error)
			return nil, err
		}
		span.SetStatus(codes.Ok, "")
		return &domain.KrakenResponse{TrackID: resp.TrackID, JSEP: resp.JSEP}, nil
	}
}

// Close shuts the channel down. In-flight requests fail with a network error.
func (c *KrakenClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *KrakenClient) register(requestID string, respChan chan krakenResponseEnvelope) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: client closed", domain.ErrNetworkFailure)
	}
	if c.conn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrNetworkFailure, c.url, err)
		}
		c.conn = conn
		go c.readLoop(conn)
	}
	c.pending[requestID] = respChan
	return c.conn, nil
}

func (c *KrakenClient) unregister(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *KrakenClient) write(conn *websocket.Conn, envelope krakenRequestEnvelope) error {
	// gorilla connections allow one concurrent writer.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return fmt.Errorf("connection replaced")
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(envelope)
}

func (c *KrakenClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.failPendingLocked()
			}
			c.mu.Unlock()
			if !c.isClosed() {
				c.logger.Warnw("kraken connection lost", "error", err)
			}
			conn.Close()
			return
		}

		var resp krakenResponseEnvelope
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warnw("unparseable kraken response", "error", err)
			continue
		}

		c.mu.Lock()
		respChan, exists := c.pending[resp.RequestID]
		if exists {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()
		if exists {
			respChan <- resp
		} else {
			c.logger.Debugw("kraken response for unknown request", "request_id", resp.RequestID)
		}
	}
}

// failPendingLocked answers every in-flight request with a transport error.
func (c *KrakenClient) failPendingLocked() {
	for id, respChan := range c.pending {
		respChan <- krakenResponseEnvelope{RequestID: id, Error: "networkFailure"}
		delete(c.pending, id)
	}
}

func (c *KrakenClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mapKrakenError translates protocol error codes into the domain error set.
func mapKrakenError(code string) error {
	switch code {
	case "peerNotFound":
		return domain.ErrPeerNotFound
	case "peerClosed":
		return domain.ErrPeerClosed
	case "trackNotFound":
		return domain.ErrTrackNotFound
	case "invalidJsep":
		return domain.ErrInvalidJSEP
	case "invalidTransition":
		return domain.ErrInvalidTransition
	case "roomFull":
		return domain.ErrRoomFull
	case "unauthorized":
		return domain.ErrUnauthorized
	case "networkFailure":
		return domain.ErrNetworkFailure
	default:
		return fmt.Errorf("%w: %s", domain.ErrInvalidKrakenResponse, code)
	}
}
