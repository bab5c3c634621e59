package common

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sylvestre/lando-api/internal/domain/landing"
	"github.com/sylvestre/lando-api/internal/http/auth"
)

type stubAuthenticator struct {
	principal landing.Principal
	err       error
}

func (s stubAuthenticator) Authenticate(*gin.Context) (landing.Principal, error) {
	return s.principal, s.err
}

func TestWriteErrorUsesErrorsIs(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", landing.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("%w: revision D2 is not part of the stack", landing.ErrLandingBlocked), http.StatusBadRequest, "LANDING_BLOCKED"},
		{fmt.Errorf("wrap: %w", landing.ErrStaleConfirmation), http.StatusConflict, "STALE_CONFIRMATION"},
		{fmt.Errorf("wrap: %w", landing.ErrAlreadyLanding), http.StatusConflict, "ALREADY_LANDING"},
		{fmt.Errorf("wrap: %w", landing.ErrNotCancellable), http.StatusBadRequest, "NOT_CANCELLABLE"},
		{fmt.Errorf("wrap: %w", landing.ErrUpstreamUnavailable), http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
		{fmt.Errorf("wrap: %w", landing.ErrGraph), http.StatusInternalServerError, "GRAPH_ERROR"},
		{fmt.Errorf("wrap: %w", landing.ErrForbidden), http.StatusForbidden, "FORBIDDEN"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		WriteError(c, tc.err)
		if rec.Code != tc.status {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.status)
		}
		var resp ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Code != tc.code {
			t.Fatalf("%v: code = %q, want %q", tc.err, resp.Code, tc.code)
		}
	}
}

func TestWriteErrorKeepsBlockerText(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	WriteError(c, fmt.Errorf("%w: landing path spans more than one repository", landing.ErrLandingBlocked))

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message == "" || resp.Message == "landing blocked" {
		t.Fatalf("blocker detail lost: %q", resp.Message)
	}
}

func TestAuthMiddlewareAllowsWithScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authn := stubAuthenticator{
		principal: landing.Principal{Subject: "user-1", Email: "dev@example.com", Scopes: []string{landing.PermLandingRead}},
	}
	router := gin.New()
	router.GET("/test", AuthMiddleware(authn, auth.NewAuthorizer(), landing.PermLandingRead), func(c *gin.Context) {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"email": principal.Email})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["email"] != "dev@example.com" {
		t.Fatalf("principal email = %q", payload["email"])
	}
}

func TestAuthMiddlewareRejectsMissingScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authn := stubAuthenticator{
		principal: landing.Principal{Subject: "user-1", Scopes: []string{landing.PermLandingRead}},
	}
	router := gin.New()
	router.POST("/test", AuthMiddleware(authn, auth.NewAuthorizer(), landing.PermLandingWrite), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/test", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/test", AuthMiddleware(stubAuthenticator{}, auth.NewAuthorizer(), landing.PermLandingRead), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
