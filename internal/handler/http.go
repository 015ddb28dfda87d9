// Package handler exposes the dialogue engine over HTTP and websocket.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dialogue-server/internal/middleware"
	"dialogue-server/internal/models"
	"dialogue-server/internal/service"
)

// DialogueHandler serves the player-facing dialogue API.
type DialogueHandler struct {
	turns  *service.TurnService
	logger *zap.Logger
}

// NewDialogueHandler creates the handler.
func NewDialogueHandler(turns *service.TurnService, logger *zap.Logger) *DialogueHandler {
	return &DialogueHandler{
		turns:  turns,
		logger: logger.Named("DialogueHandler"),
	}
}

// RegisterRoutes mounts the API under /api and the websocket under /ws.
// Every route requires the auth middleware.
func (h *DialogueHandler) RegisterRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	api := router.Group("/api", auth)
	{
		api.POST("/games/:game_id/turns", h.postTurn)
		api.GET("/games/:game_id/characters", h.getCharacters)
		api.DELETE("/games/:game_id/progress", h.deleteProgress)
	}
	router.GET("/ws/games/:game_id/turns", auth, h.turnSocket)
}

// postTurn processes one turn and streams the response as NDJSON frames:
// ack, provisional deltas, then a final result or an error frame.
func (h *DialogueHandler) postTurn(c *gin.Context) {
	var req turnRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "character_id and text are required"})
		return
	}
	playerID := middleware.PlayerID(c)
	gameID := c.Param("game_id")

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	enc := json.NewEncoder(c.Writer)
	emit := func(ev service.TurnEvent) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	err := h.turns.ProcessTurn(c.Request.Context(), service.TurnRequest{
		PlayerID:    playerID,
		PlayerName:  middleware.PlayerName(c),
		GameID:      gameID,
		CharacterID: req.CharacterID,
		Text:        req.Text,
	}, emit)
	if err != nil {
		// The player already got an error frame; this is for the request log.
		h.logger.Warn("Turn finished with error",
			zap.String("playerID", playerID), zap.String("gameID", gameID), zap.Error(err))
	}
}

// getCharacters returns the roster and progress summary as the player
// currently sees them.
func (h *DialogueHandler) getCharacters(c *gin.Context) {
	playerID := middleware.PlayerID(c)
	gameID := c.Param("game_id")

	view, err := h.turns.Roster(c.Request.Context(), playerID, gameID)
	if err != nil {
		if errors.Is(err, models.ErrGameNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "game not found"})
			return
		}
		h.logger.Error("Failed to load roster",
			zap.String("playerID", playerID), zap.String("gameID", gameID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load characters"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// deleteProgress wipes the player's transcript and progress for the game.
func (h *DialogueHandler) deleteProgress(c *gin.Context) {
	playerID := middleware.PlayerID(c)
	gameID := c.Param("game_id")

	if err := h.turns.ResetProgress(c.Request.Context(), playerID, gameID); err != nil {
		h.logger.Error("Failed to reset progress",
			zap.String("playerID", playerID), zap.String("gameID", gameID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to reset progress"})
		return
	}
	c.Status(http.StatusNoContent)
}
