package relay

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/agentchat/relay/internal/config"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
}

var (
	errEmptyMessage = errors.New("message must not be empty")
	errMissingUser  = errors.New("user_id is required")
)

// normalize validates the request and assigns a session id when the client
// did not send one.
func (r *ChatRequest) normalize() error {
	r.Message = strings.TrimSpace(r.Message)
	if r.Message == "" {
		return errEmptyMessage
	}
	if r.UserID == "" {
		return errMissingUser
	}
	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	}
	return nil
}

// promptCounter counts prompt tokens for the admission check. Falls back to a
// character-ratio estimate when the tokenizer cannot be loaded.
type promptCounter struct {
	enc *tiktoken.Tiktoken
}

func newPromptCounter() *promptCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn().Err(err).Msg("Tokenizer unavailable, using character-ratio token estimates")
		return &promptCounter{}
	}
	return &promptCounter{enc: enc}
}

func (pc *promptCounter) count(text string) int {
	if pc.enc == nil {
		return len(text) / config.TokenEstimateRatio
	}
	return len(pc.enc.Encode(text, nil, nil))
}
