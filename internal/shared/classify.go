package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// maxBodyMessage bounds how much raw response text ends up in an error message.
const maxBodyMessage = 512

// StatusError is the raw failure for a response received with a status outside [200,299].
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// ClassifiedError is a normalized remote-call failure.
// StatusCode is zero unless the failure came from an HTTP response.
type ClassifiedError struct {
	Message    string
	Kind       Kind
	StatusCode int
	Cause      error
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrAuth) and friends work for classified errors.
func (e *ClassifiedError) Is(target error) bool {
	sentinel := SentinelOf(e.Kind)
	return sentinel != nil && target == sentinel
}

// HasStatus reports whether the failure originated from an HTTP response.
func (e *ClassifiedError) HasStatus() bool {
	return e.StatusCode != 0
}

// KindForStatus maps an HTTP status code outside [200,299] to a Kind.
func KindForStatus(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 404:
		return KindNotFound
	case code >= 500 && code <= 599:
		return KindServer
	case code >= 400 && code <= 499:
		return KindClient
	default:
		return KindUnknown
	}
}

// Classify turns any failure into a *ClassifiedError. It never panics and
// returns nil only for a nil error.
//
// Order of inspection:
//  1. a *ClassifiedError already in the chain is returned unchanged
//  2. *StatusError is mapped by status code (see KindForStatus)
//  3. context.Canceled becomes KindCanceled
//  4. transport failures (net errors, resets, EOF, deadlines) become KindNetwork
//  5. errors marked with a sentinel keep that kind
//  6. everything else is KindUnknown
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	var se *StatusError
	if errors.As(err, &se) {
		return &ClassifiedError{
			Message:    statusMessage(se),
			Kind:       KindForStatus(se.StatusCode),
			StatusCode: se.StatusCode,
			Cause:      err,
		}
	}

	var kind Kind
	switch {
	case IsCanceled(err):
		kind = KindCanceled
	case IsTransportError(err):
		kind = KindNetwork
	default:
		kind = KindOf(err)
	}
	return &ClassifiedError{Message: err.Error(), Kind: kind, Cause: err}
}

// IsTransportError reports whether err looks like a failure that happened
// before any response was received.
func IsTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.ENETDOWN),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ETIMEDOUT):
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	// *url.Error and most transport errors implement net.Error
	var netErr net.Error
	return errors.As(err, &netErr)
}

// statusMessage picks the most useful message for a failed response:
// a structured message from a JSON body, then the raw body text, then a generic string.
func statusMessage(se *StatusError) string {
	if msg := structuredMessage(se.Body); msg != "" {
		return msg
	}
	if text := strings.TrimSpace(string(se.Body)); text != "" {
		if len(text) > maxBodyMessage {
			text = text[:maxBodyMessage] + "..."
		}
		return text
	}
	return fmt.Sprintf("HTTP error %d", se.StatusCode)
}

// structuredMessage understands the common error envelopes:
// {"error":{"message":".."}}, {"error":".."}, {"message":".."}, {"errors":[..]}.
func structuredMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if msg := messageOf(payload["error"]); msg != "" {
		return msg
	}
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return msg
	}
	if errs, ok := payload["errors"].([]any); ok && len(errs) > 0 {
		return messageOf(errs[0])
	}
	return ""
}

func messageOf(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		for _, key := range []string{"message", "error", "description"} {
			if msg, ok := e[key].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return ""
}
