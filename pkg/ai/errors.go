package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrorKind groups API failures by cause.
type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"
	KindQuota      ErrorKind = "quota"
	KindRateLimit  ErrorKind = "rate_limit"
	KindServer     ErrorKind = "server"
	KindBadRequest ErrorKind = "bad_request"
	KindUnknown    ErrorKind = "unknown"
)

// APIError is a non-2xx response from the model API.
type APIError struct {
	Status  int
	Kind    ErrorKind
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("xai api error (%s, %d): %s", e.Kind, e.Status, e.Message)
}

// KindOf returns the kind of an *APIError anywhere in err's chain.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusPaymentRequired:
		return KindQuota
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServer
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := ""
	var structured struct {
		Error json.RawMessage `json:"error"`
		Code  string          `json:"code"`
	}
	if err := json.Unmarshal(raw, &structured); err == nil && len(structured.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(structured.Error, &nested) == nil && nested.Message != "" {
			msg = nested.Message
		} else {
			_ = json.Unmarshal(structured.Error, &msg)
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}
	kind := kindForStatus(resp.StatusCode)
	// xAI reports exhausted credits as 403/429 with a billing message.
	lower := strings.ToLower(msg)
	if kind != KindQuota && (strings.Contains(lower, "credit") || strings.Contains(lower, "billing") || strings.Contains(lower, "quota")) {
		kind = KindQuota
	}
	return &APIError{Status: resp.StatusCode, Kind: kind, Message: msg}
}
