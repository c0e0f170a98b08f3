package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-that-is-long-enough-for-testing")

func TestNewJWTService(t *testing.T) {
	tests := []struct {
		name    string
		secret  []byte
		wantErr error
	}{
		{"valid secret", []byte("a-very-long-secret-that-is-at-least-32-chars"), nil},
		{"short secret", []byte("short"), nil},
		{"empty secret", []byte{}, ErrMissingSecret},
		{"nil secret", nil, ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWTService(tt.secret)
			if err != tt.wantErr {
				t.Errorf("NewJWTService() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestJWTService_GenerateAndValidate(t *testing.T) {
	svc, err := NewJWTService(testSecret)
	if err != nil {
		t.Fatalf("NewJWTService() error = %v", err)
	}

	token, err := svc.GenerateToken("crud-service", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateToken() returned empty token")
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "crud-service" {
		t.Errorf("claims.Subject = %s, want crud-service", claims.Subject)
	}
	if claims.Issuer != Issuer {
		t.Errorf("claims.Issuer = %s, want %s", claims.Issuer, Issuer)
	}
}

func TestJWTService_GenerateToken_DefaultTTL(t *testing.T) {
	svc, _ := NewJWTService(testSecret)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	token, err := svc.GenerateToken("crud-service", 0)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if got := claims.ExpiresAt.Time.Sub(fixed); got != DefaultTokenTTL {
		t.Errorf("token lifetime = %v, want %v", got, DefaultTokenTTL)
	}
}

func TestJWTService_GenerateToken_EmptySubject(t *testing.T) {
	svc, _ := NewJWTService(testSecret)

	_, err := svc.GenerateToken("", time.Hour)
	if err != ErrEmptySubject {
		t.Errorf("GenerateToken(\"\") error = %v, want %v", err, ErrEmptySubject)
	}
}

func TestJWTService_ValidateToken_Invalid(t *testing.T) {
	svc, _ := NewJWTService(testSecret)

	noIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "crud-service",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "crud-service",
		Issuer:  Issuer,
	}).SignedString(testSecret)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"invalid format", "not-a-jwt"},
		{"wrong signature", "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiJ0ZXN0In0.wrong"},
		{"foreign issuer", noIssuer},
		{"no expiry", noExpiry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
			}
		})
	}
}

func TestJWTService_ValidateToken_Expired(t *testing.T) {
	svc, _ := NewJWTService(testSecret)
	issued := time.Now().Add(-2 * time.Hour)
	svc.now = func() time.Time { return issued }
	token, _ := svc.GenerateToken("crud-service", time.Hour)

	svc.now = time.Now
	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestJWTService_ValidateToken_WrongSecret(t *testing.T) {
	svc1, _ := NewJWTService([]byte("secret-one-that-is-long-enough"))
	svc2, _ := NewJWTService([]byte("secret-two-that-is-different"))

	token, _ := svc1.GenerateToken("crud-service", time.Hour)

	if _, err := svc2.ValidateToken(token); err == nil {
		t.Error("ValidateToken() should fail with wrong secret")
	}
}

func TestExtractTokenFromRequest(t *testing.T) {
	tests := []struct {
		name      string
		authValue string
		wantToken string
		wantErr   error
	}{
		{"valid bearer", "Bearer eyJtoken", "eyJtoken", nil},
		{"valid bearer lowercase", "bearer eyJtoken", "eyJtoken", nil},
		{"missing header", "", "", ErrMissingAuthHeader},
		{"invalid format no space", "BearereyJtoken", "", ErrInvalidAuthFormat},
		{"invalid format wrong prefix", "Basic eyJtoken", "", ErrInvalidAuthFormat},
		{"empty token", "Bearer ", "", ErrInvalidAuthFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.authValue != "" {
				req.Header.Set("Authorization", tt.authValue)
			}

			token, err := ExtractTokenFromRequest(req)
			if err != tt.wantErr {
				t.Errorf("ExtractTokenFromRequest() error = %v, want %v", err, tt.wantErr)
			}
			if token != tt.wantToken {
				t.Errorf("ExtractTokenFromRequest() = %s, want %s", token, tt.wantToken)
			}
		})
	}
}

func TestClaimsContext(t *testing.T) {
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "crud-service"}}
	ctx := SetClaimsInContext(context.Background(), claims)

	got, ok := GetClaimsFromContext(ctx)
	if !ok {
		t.Fatal("GetClaimsFromContext() ok = false, want true")
	}
	if got.Subject != "crud-service" {
		t.Errorf("GetClaimsFromContext().Subject = %s, want crud-service", got.Subject)
	}

	if _, ok = GetClaimsFromContext(context.Background()); ok {
		t.Error("GetClaimsFromContext() ok = true for empty context, want false")
	}
}

func TestRateLimiter_IsLimited(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 3,
		Window:            time.Minute,
		CleanupInterval:   time.Hour,
	})
	defer rl.Stop()

	ip := "192.168.1.1"

	if rl.IsLimited(ip) {
		t.Error("IsLimited() = true before any failures")
	}

	rl.RecordFailure(ip)
	rl.RecordFailure(ip)
	if rl.IsLimited(ip) {
		t.Error("IsLimited() = true after 2 failures (max is 3)")
	}

	rl.RecordFailure(ip)
	if !rl.IsLimited(ip) {
		t.Error("IsLimited() = false after 3 failures")
	}

	rl.Reset(ip)
	if rl.IsLimited(ip) {
		t.Error("IsLimited() = true after Reset()")
	}
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 1,
		Window:            time.Minute,
		CleanupInterval:   time.Hour,
	})
	defer rl.Stop()

	start := time.Now()
	rl.now = func() time.Time { return start }

	ip := "192.168.1.1"
	rl.RecordFailure(ip)
	if !rl.IsLimited(ip) {
		t.Error("IsLimited() = false immediately after failure")
	}

	rl.now = func() time.Time { return start.Add(20 * time.Second) }
	if got := rl.RetryAfter(ip); got != 40*time.Second {
		t.Errorf("RetryAfter() = %v, want 40s", got)
	}

	rl.now = func() time.Time { return start.Add(2 * time.Minute) }
	if rl.IsLimited(ip) {
		t.Error("IsLimited() = true after window expired")
	}

	rl.removeExpired()
	rl.mu.RLock()
	n := len(rl.failures)
	rl.mu.RUnlock()
	if n != 0 {
		t.Errorf("removeExpired() left %d entries", n)
	}
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{})
	defer rl.Stop()

	if rl.config != DefaultRateLimiterConfig() {
		t.Errorf("config = %+v, want defaults", rl.config)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		want       string
	}{
		{"X-Forwarded-For single", "192.168.1.1", "", "127.0.0.1:8080", "192.168.1.1"},
		{"X-Forwarded-For multiple", "192.168.1.1, 10.0.0.1, 172.16.0.1", "", "127.0.0.1:8080", "192.168.1.1"},
		{"X-Real-IP", "", "192.168.1.1", "127.0.0.1:8080", "192.168.1.1"},
		{"RemoteAddr with port", "", "", "192.168.1.1:12345", "192.168.1.1"},
		{"RemoteAddr without port", "", "", "192.168.1.1", "192.168.1.1"},
		{"RemoteAddr ipv6", "", "", "[::1]:9000", "::1"},
		{"X-Forwarded-For takes precedence", "10.0.0.1", "192.168.1.1", "127.0.0.1:8080", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestJWTService_Middleware(t *testing.T) {
	svc, _ := NewJWTService(testSecret)
	rl := NewRateLimiter(RateLimiterConfig{MaxFailedAttempts: 2, Window: time.Minute, CleanupInterval: time.Hour})
	defer rl.Stop()

	handler := svc.Middleware(rl)(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			t.Error("Claims not found in context")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(claims.Subject))
	})

	token, _ := svc.GenerateToken("crud-service", time.Hour)

	do := func(ip, auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/ingest", nil)
		req.RemoteAddr = ip + ":5000"
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	t.Run("valid token", func(t *testing.T) {
		rr := do("10.0.0.1", "Bearer "+token)
		if rr.Code != http.StatusOK {
			t.Errorf("handler returned %d, want %d", rr.Code, http.StatusOK)
		}
		if rr.Body.String() != "crud-service" {
			t.Errorf("handler returned %s, want crud-service", rr.Body.String())
		}
	})

	t.Run("missing token", func(t *testing.T) {
		if rr := do("10.0.0.2", ""); rr.Code != http.StatusUnauthorized {
			t.Errorf("handler returned %d, want %d", rr.Code, http.StatusUnauthorized)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		if rr := do("10.0.0.3", "Bearer invalid-token"); rr.Code != http.StatusUnauthorized {
			t.Errorf("handler returned %d, want %d", rr.Code, http.StatusUnauthorized)
		}
	})

	t.Run("repeated failures are limited", func(t *testing.T) {
		do("10.0.0.4", "Bearer bad")
		do("10.0.0.4", "Bearer bad")
		rr := do("10.0.0.4", "Bearer "+token)
		if rr.Code != http.StatusTooManyRequests {
			t.Errorf("handler returned %d, want %d", rr.Code, http.StatusTooManyRequests)
		}
		if rr.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After header")
		}
	})
}
