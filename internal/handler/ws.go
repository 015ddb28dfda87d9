package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dialogue-server/internal/middleware"
	"dialogue-server/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checking is handled by the CORS layer in front of the router.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 5 * time.Minute
)

// turnSocket serves one turn per websocket message: the client sends a
// turn request frame and receives the same ack/delta/final/error frames as
// the NDJSON endpoint. The connection stays open for subsequent turns.
func (h *DialogueHandler) turnSocket(c *gin.Context) {
	playerID := middleware.PlayerID(c)
	gameID := c.Param("game_id")
	log := h.logger.With(zap.String("playerID", playerID), zap.String("gameID", gameID))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		var req turnRequestDTO
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("Websocket read failed", zap.Error(err))
			}
			return
		}

		emit := func(ev service.TurnEvent) error {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteJSON(ev)
		}

		if req.CharacterID == "" || req.Text == "" {
			if err := emit(service.TurnEvent{Type: service.TurnEventError, Message: "character_id and text are required"}); err != nil {
				return
			}
			continue
		}

		err := h.turns.ProcessTurn(c.Request.Context(), service.TurnRequest{
			PlayerID:    playerID,
			PlayerName:  middleware.PlayerName(c),
			GameID:      gameID,
			CharacterID: req.CharacterID,
			Text:        req.Text,
		}, emit)
		if err != nil {
			log.Warn("Websocket turn finished with error", zap.Error(err))
		}
	}
}
