package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/docflow/internal/store"
	"github.com/pitabwire/docflow/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []string{
		"/v1/tasks",
		"/v1/documents/doc-1/workflow",
		"/v1/documents/doc-1/workflow/history",
		"/v1/documents/doc-1/feedback",
		"/v1/documents/doc-1/feedback/stats",
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			h.AssertStatus(t, h.GET(ep, ""), http.StatusUnauthorized)
		})
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(TestClaims{SubjectID: "user-ao"})

	h.AssertStatus(t, h.GET("/v1/tasks", token), http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Signed with a key that is not in the JWKS.
	differentKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	claims := jwt.MapClaims{
		"iss": h.issuer.Issuer(),
		"aud": h.issuer.Audience(),
		"sub": "user-admin",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	h.AssertStatus(t, h.GET("/v1/tasks", signed), http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(
		`{"sub":"user-admin","iss":"` + h.issuer.Issuer() + `","aud":"` + h.issuer.Audience() + `"}`,
	))
	noneToken := header + "." + payload + "."

	h.AssertStatus(t, h.GET("/v1/tasks", noneToken), http.StatusUnauthorized)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	h.AssertStatus(t, h.GET("/v1/tasks", "not.a.valid.jwt.token"), http.StatusUnauthorized)
}

func TestSecurity_TokenWithoutSubject_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{Email: "nobody@docflow.example.com"})

	h.AssertStatus(t, h.GET("/v1/tasks", token), http.StatusUnauthorized)
}

// ==========================================================================
// Authorization Tests
// ==========================================================================

func TestSecurity_ActorOutsideDirectory_Returns403(t *testing.T) {
	h := NewTestHarness(t)
	token := h.Token("user-unlisted")

	resp := h.POST("/v1/documents/doc-1/workflow/start", map[string]any{"workflow_id": "publication-review"}, token)
	h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)
}

func TestSecurity_UnmappedRoleCannotAct(t *testing.T) {
	h := NewTestHarness(t)

	// user-stray is in the directory with a role no alias maps.
	resp := h.POST("/v1/documents/doc-1/workflow/start", map[string]any{"workflow_id": "publication-review"}, h.Token("user-stray"))
	h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)
}

func TestSecurity_ActorComesFromTokenNotBody(t *testing.T) {
	h := NewTestHarness(t)
	h.Content.Put(store.Document{ID: "doc-1", Content: "text"})
	started := startPublication(t, h, "doc-1")
	advance(t, h, started.Instance.ID, "user-ao", map[string]any{"action": "submit"})

	var item model.FeedbackItem
	h.AssertJSON(t, h.POST("/v1/documents/doc-1/feedback", map[string]any{
		"reviewer_id": "user-admin",
		"change_from": "text",
		"change_to":   "words",
	}, h.Token("reviewer-1")), http.StatusCreated, &item)

	if item.ReviewerID != "reviewer-1" {
		t.Errorf("reviewer_id = %q, want reviewer-1", item.ReviewerID)
	}
}

func TestSecurity_OnlyAssigneeCompletesTask(t *testing.T) {
	h := NewTestHarness(t)
	started := startPublication(t, h, "doc-1")
	res := advance(t, h, started.Instance.ID, "user-ao", map[string]any{"action": "submit"})

	var taskForReviewer1 model.ReviewTask
	for _, task := range res.Tasks {
		if task.AssignedToID == "reviewer-1" {
			taskForReviewer1 = task
		}
	}
	if taskForReviewer1.ID == "" {
		t.Fatal("reviewer-1 was not assigned")
	}

	resp := h.POST("/v1/tasks/"+taskForReviewer1.ID+"/complete", map[string]any{"decision": "APPROVE"}, h.Token("reviewer-2"))
	h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)
}

// ==========================================================================
// Error Hygiene Tests
// ==========================================================================

func TestSecurity_ErrorResponseNoStackTrace(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.POST("/v1/workflows/instances/missing/advance", nil, h.Token("user-ao"))
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	sensitivePatterns := []string{
		"goroutine",
		".go:",
		"panic",
		"runtime.",
		"/home/",
		"/internal/",
	}

	for _, pattern := range sensitivePatterns {
		if strings.Contains(bodyStr, pattern) {
			t.Errorf("error response contains sensitive pattern %q: %s", pattern, bodyStr)
		}
	}
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

func TestSecurity_HeadersOnAuthenticatedResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/tasks", h.Token("reviewer-1"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	expectedHeaders := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}

	for name, expected := range expectedHeaders {
		if actual := resp.Header.Get(name); actual != expected {
			t.Errorf("header %s = %q, want %q", name, actual, expected)
		}
	}
}

func TestSecurity_HeadersOnErrorResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/tasks", "")
	defer resp.Body.Close()

	for _, name := range []string{
		"Strict-Transport-Security",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Cache-Control",
		"Referrer-Policy",
	} {
		if resp.Header.Get(name) == "" {
			t.Errorf("security header %s missing on error response", name)
		}
	}
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)
	token := h.Token("reviewer-1")

	resp1 := h.GET("/v1/tasks", token)
	resp1.Body.Close()
	if resp1.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp2 := h.GETWithHeaders("/v1/tasks", token, map[string]string{
		"X-Correlation-Id": "custom-trace-123",
	})
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Correlation-Id"); got != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want %q", got, "custom-trace-123")
	}
}

// ==========================================================================
// CORS Tests
// ==========================================================================

func TestSecurity_CORSAllowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders("/healthz", "", map[string]string{"Origin": "http://localhost:3000"})
	resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}
}

func TestSecurity_CORSDisallowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders("/healthz", "", map[string]string{"Origin": "https://evil.example.com"})
	resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}
