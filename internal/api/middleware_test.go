package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_SecurityHeaders(t *testing.T) {
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	middleware := SecurityHeadersMiddleware(nextHandler)

	req := httptest.NewRequest("GET", "/api/plans", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()

	middleware.ServeHTTP(w, req)

	resp := w.Result()
	for _, h := range []string{
		"Content-Security-Policy",
		"Strict-Transport-Security",
		"X-Frame-Options",
		"X-Content-Type-Options",
		"Referrer-Policy",
	} {
		if resp.Header.Get(h) == "" {
			t.Errorf("Expected header %s to be set", h)
		}
	}
}

func TestMiddleware_Auth(t *testing.T) {
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	middleware := AuthMiddleware("secret-token", nextHandler)

	tests := []struct {
		name           string
		path           string
		authHeader     string
		expectedStatus int
	}{
		{"No Auth - MCP Path", "/mcp", "", http.StatusOK},
		{"No Auth - API Path", "/api/devices", "", http.StatusUnauthorized},
		{"No Auth - Metrics", "/metrics", "", http.StatusUnauthorized},
		{"Valid Auth - API Path", "/api/devices", "Bearer secret-token", http.StatusOK},
		{"Valid Auth - Metrics", "/metrics", "Bearer secret-token", http.StatusOK},
		{"Invalid Auth - API Path", "/api/devices", "Bearer wrong-token", http.StatusUnauthorized},
		{"Wrong Scheme", "/api/devices", "Basic secret-token", http.StatusUnauthorized},
		{"Query Auth - Disabled", "/api/devices?token=secret-token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()

			middleware.ServeHTTP(w, req)

			if w.Result().StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Result().StatusCode)
			}
		})
	}
}

func TestMiddleware_AuthDisabledWithoutToken(t *testing.T) {
	middleware := AuthMiddleware("", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	middleware.ServeHTTP(w, httptest.NewRequest("GET", "/api/devices", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestMiddleware_RequestLogKeepsStatus(t *testing.T) {
	middleware := RequestLogMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	middleware.ServeHTTP(w, httptest.NewRequest("GET", "/api/plans", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", w.Code)
	}
}
