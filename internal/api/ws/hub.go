package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/meterchain/internal/chain"
	"github.com/gosuda/meterchain/internal/server/middleware"
	redisstore "github.com/gosuda/meterchain/internal/store/redis"
)

// Subscriber abstracts the Redis pub/sub subscribe operation.
// *redisstore.PubSub satisfies this interface.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Hub serves live feeds over WebSocket, backed by Redis pub/sub. Feeds are
// read-only: anything a client sends is discarded.
type Hub struct {
	pubsub Subscriber
}

// NewHub creates a new WebSocket hub. A nil pubsub disables every feed.
func NewHub(pubsub Subscriber) *Hub {
	return &Hub{pubsub: pubsub}
}

// ServeAudit streams audit events of the caller's account.
// Subscribes to Redis channel "audit:<accountID>".
func (h *Hub) ServeAudit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing account", http.StatusForbidden)
		return
	}
	h.stream(w, r, redisstore.AuditChannel(accountID))
}

// ServeWork streams work unit transitions of the caller's account.
// Subscribes to Redis channel "work:<accountID>".
func (h *Hub) ServeWork(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing account", http.StatusForbidden)
		return
	}
	h.stream(w, r, redisstore.WorkChannel(accountID))
}

// ServeChain streams blocks appended to one evidence chain.
// Subscribes to Redis channel "chain:<chainID>".
func (h *Hub) ServeChain(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")
	if err := chain.ValidateChainID(chainID); err != nil {
		http.Error(w, "invalid chain id", http.StatusBadRequest)
		return
	}
	h.stream(w, r, redisstore.ChainChannel(chainID))
}

func (h *Hub) stream(w http.ResponseWriter, r *http.Request, channel string) {
	if h.pubsub == nil {
		http.Error(w, "live feeds disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// CloseRead consumes control frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := h.pubsub.Subscribe(ctx, channel)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Str("channel", channel).Msg("websocket write")
				return
			}
		}
	}
}
