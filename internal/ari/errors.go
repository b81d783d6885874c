package ari

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Error is a normalised switch error: the HTTP status the switch returned
// and the best message we could extract from the body.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("switch: %d %s", e.StatusCode, e.Message)
}

// normalizeError builds an [Error] from a switch response body. The switch
// usually answers with {"message": "..."} but some endpoints use {"error":
// "..."}; anything else falls back to the raw body.
func normalizeError(statusCode int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))

	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			msg = parsed.Message
		} else if parsed.Error != "" {
			msg = parsed.Error
		}
	}
	if msg == "" {
		msg = "(no message)"
	}
	return &Error{StatusCode: statusCode, Message: msg}
}
