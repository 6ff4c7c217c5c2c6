package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/krishi-advisor-service/internal/auth"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
	"github.com/kjstillabower/krishi-advisor-service/internal/traffic"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"minted when absent", ""},
		{"propagated from client", "client-provided-id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			router := mux.NewRouter()
			router.Use(CorrelationIDMiddleware(zap.NewNop()))
			router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
				seen = observability.CorrelationID(r.Context())
			})

			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set("X-Correlation-ID", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			got := w.Header().Get("X-Correlation-ID")
			if got == "" || got != seen {
				t.Errorf("header %q, context %q: want equal and non-empty", got, seen)
			}
			if tt.header != "" && got != tt.header {
				t.Errorf("X-Correlation-ID = %q, want %q", got, tt.header)
			}
		})
	}
}

func TestMiddleware_GetRoute(t *testing.T) {
	var route string
	router := mux.NewRouter()
	router.HandleFunc("/threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		route = getRoute(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/threads/abc-123/messages", nil))
	if route != "/threads/{id}/messages" {
		t.Errorf("route = %q, want the path template", route)
	}

	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	if got := getRoute(req); got != "unmatched" {
		t.Errorf("getRoute without match = %q, want unmatched", got)
	}
}

func TestMetricsMiddleware_TracksInFlight(t *testing.T) {
	var during int64
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		during = InFlightCount()
		w.WriteHeader(http.StatusAccepted)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if during < 1 {
		t.Errorf("in-flight during request = %d, want >= 1", during)
	}
	if got := InFlightCount(); got != 0 {
		t.Errorf("in-flight after request = %d, want 0", got)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		timeout      time.Duration
		wantDeadline bool
	}{
		{"sets deadline", 50 * time.Millisecond, true},
		{"zero disables", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hasDeadline bool
			var ctxErr error
			handler := TimeoutMiddleware(tt.timeout)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, hasDeadline = r.Context().Deadline()
				if hasDeadline {
					<-r.Context().Done()
					ctxErr = r.Context().Err()
				}
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			if hasDeadline != tt.wantDeadline {
				t.Errorf("deadline set = %v, want %v", hasDeadline, tt.wantDeadline)
			}
			if tt.wantDeadline && ctxErr != context.DeadlineExceeded {
				t.Errorf("ctx.Err() = %v, want DeadlineExceeded", ctxErr)
			}
		})
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	t.Cleanup(traffic.Reset)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(RateLimitMiddleware(rate.NewLimiter(1, 2)))
	router.HandleFunc("/weather/{location}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather/Pune", nil))

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		var errResp struct {
			Error struct {
				Code      string `json:"code"`
				RequestID string `json:"requestId"`
			} `json:"error"`
		}
		if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
			t.Fatalf("decode 429 response: %v", err)
		}
		if errResp.Error.Code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", errResp.Error.Code)
		}
		if errResp.Error.RequestID == "" {
			t.Error("error.requestId is empty")
		}
	}

	if got := traffic.RequestCount(time.Minute); got != 2 {
		t.Errorf("RequestCount = %d, want 2", got)
	}
	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount = %d, want 1", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	handler := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusNoContent {
			t.Fatalf("request %d: status = %d, want 204", i, w.Code)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	tokens, err := auth.NewTokenManager("test-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	valid, _, err := tokens.Issue("user-42")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantUser string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "user-42"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized, ""},
		{"tampered token", "Bearer " + valid + "x", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser string
			handler := AuthMiddleware(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser = mustUserID(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/profile", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if gotUser != tt.wantUser {
				t.Errorf("user = %q, want %q", gotUser, tt.wantUser)
			}
		})
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router := NewRouter(NewHandler(Deps{}), RouterConfig{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", w.Code)
	}
}
