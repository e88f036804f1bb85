package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/pkg/schema"
)

const maxBodyBytes = 1 << 20

type ctxKey int

const (
	orgKey ctxKey = iota
	userKey
)

func (s *Server) requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := r.Header.Get(OrgHeader)
		if org == "" {
			s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, OrgHeader+" header is required"))
			return
		}
		ctx := context.WithValue(r.Context(), orgKey, org)
		ctx = logging.WithOrganizationID(ctx, org)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, UserHeader+" header is required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func orgID(r *http.Request) string {
	v, _ := r.Context().Value(orgKey).(string)
	return v
}

func userID(r *http.Request) string {
	v, _ := r.Context().Value(userKey).(string)
	return v
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps a FlowError code to an HTTP status. Anything that is not
// a FlowError is an internal error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		fe = schema.NewError(schema.ErrCodeStore, "internal error")
	}
	status := statusFor(fe.Code)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]any{"error": errorBody{
		Code:    fe.Code,
		Message: schema.PublicMessage(fe),
		Details: fe.Details,
	}})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeInvalidState, schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case schema.ErrCodeProviderUnavailable, schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return schema.NewError(schema.ErrCodeValidation, "request body is required")
		}
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON body").WithCause(err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
