package tradingapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the trading API
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// parseAPIError builds an APIError from a response body. Bodies that do not
// carry the error envelope fall back to code UNKNOWN and the status text.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{
		Status:  status,
		Code:    "UNKNOWN",
		Message: http.StatusText(status),
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apiErr
	}
	if parsed.Error.Code != "" {
		apiErr.Code = parsed.Error.Code
	}
	if parsed.Error.Message != "" {
		apiErr.Message = parsed.Error.Message
	}
	apiErr.Details = parsed.Error.Details
	return apiErr
}
