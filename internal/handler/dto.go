package handler

// turnRequestDTO is the body of POST /api/games/:game_id/turns and the
// first websocket frame on /ws/games/:game_id/turns.
type turnRequestDTO struct {
	CharacterID string `json:"character_id" binding:"required"`
	Text        string `json:"text" binding:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
}
