package utils

import (
	"errors"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/frostdev-ops/pma-hub/pkg/errors"
	"github.com/gin-gonic/gin"
)

// Response represents a standard API response
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
	Meta      interface{} `json:"meta,omitempty"`
}

// ErrorResponse represents an error response with request context
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     string      `json:"error"`
	Code      int         `json:"code"`
	Timestamp string      `json:"timestamp"`
	Request   RequestInfo `json:"request"`
	Details   interface{} `json:"details,omitempty"`
}

// RequestInfo provides context about the failed request
type RequestInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Query  string `json:"query,omitempty"`
}

// KnownEndpoints is the set offered as suggestions on 404.
var KnownEndpoints = []string{
	"/health",
	"/metrics",
	"/ws",
	"/api/v1/states",
	"/api/v1/template",
	"/api/v1/template-sensors",
	"/api/v1/tracking/stats",
	"/api/v1/snapshot",
}

// SendSuccess sends a successful response
func SendSuccess(c *gin.Context, data interface{}) {
	sendData(c, http.StatusOK, data, nil)
}

// SendCreated sends a 201 response
func SendCreated(c *gin.Context, data interface{}) {
	sendData(c, http.StatusCreated, data, nil)
}

// SendSuccessWithMeta sends a successful response with metadata
func SendSuccessWithMeta(c *gin.Context, data interface{}, meta interface{}) {
	sendData(c, http.StatusOK, data, meta)
}

func sendData(c *gin.Context, status int, data, meta interface{}) {
	c.JSON(status, Response{
		Success:   true,
		Data:      data,
		Meta:      meta,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SendError sends an error response with request context
func SendError(c *gin.Context, statusCode int, message string) {
	sendError(c, statusCode, message, nil)
}

// SendAppError maps err to a status with pkg/errors and sends it. Errors
// that are not AppErrors become a generic 500 so internals do not leak.
func SendAppError(c *gin.Context, err error) {
	status := apperrors.GetStatusCode(err)
	if !apperrors.IsAppError(err) {
		_ = c.Error(err)
		sendError(c, status, apperrors.ErrInternalServer.Message, nil)
		return
	}

	var appErr *apperrors.AppError
	errors.As(err, &appErr)

	var details interface{}
	if appErr.Details != "" {
		details = appErr.Details
	}
	sendError(c, status, appErr.Message, details)
}

func sendError(c *gin.Context, statusCode int, message string, details interface{}) {
	resp := ErrorResponse{
		Success:   false,
		Error:     message,
		Code:      statusCode,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Request: RequestInfo{
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
			Query:  c.Request.URL.RawQuery,
		},
		Details: details,
	}

	switch statusCode {
	case http.StatusNotFound:
		if suggestions := NotFoundSuggestions(c.Request.URL.Path); len(suggestions) > 0 && details == nil {
			resp.Details = map[string]interface{}{
				"suggestions": suggestions,
				"message":     "The requested endpoint does not exist. Check the suggestions below for similar endpoints.",
			}
		}
	case http.StatusMethodNotAllowed:
		resp.Details = map[string]interface{}{
			"message": "The HTTP method is not supported for this endpoint.",
		}
	}

	c.JSON(statusCode, resp)
}

// NotFoundSuggestions returns up to five known endpoints sharing a path
// segment with path. Segments match when one is a prefix of the other, so
// "state" finds "states".
func NotFoundSuggestions(path string) []string {
	requested := pathSegments(path)

	var suggestions []string
	for _, endpoint := range KnownEndpoints {
		if len(suggestions) == 5 {
			break
		}
		if sharesSegment(requested, pathSegments(endpoint)) {
			suggestions = append(suggestions, endpoint)
		}
	}
	return suggestions
}

func pathSegments(path string) []string {
	var out []string
	for _, seg := range strings.FieldsFunc(strings.ToLower(path), func(r rune) bool {
		return r == '/' || r == '-' || r == '_'
	}) {
		if seg == "api" || len(seg) < 3 {
			continue
		}
		out = append(out, seg)
	}
	return out
}

func sharesSegment(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.HasPrefix(x, y) || strings.HasPrefix(y, x) {
				return true
			}
		}
	}
	return false
}
