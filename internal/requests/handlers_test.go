package requests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/piguard/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupRouter mounts both route sets with the caller identity fixed.
func setupRouter(svc *Service, userID, username string) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(auth.ContextKeyUserID, userID)
			c.Set(auth.ContextKeyClaims, &auth.Claims{Username: username, Role: auth.RoleStaff})
		}
		c.Next()
	})
	h := NewHandler(svc)
	h.RegisterProtectedRoutes(v1)
	h.RegisterStaffRoutes(v1)
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func decodeRequest(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Request map[string]any `json:"request"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Request
}

func TestHandler_SubmitRedactsPassphrase(t *testing.T) {
	svc, _, _ := newTestService(t)
	r := setupRouter(svc, "usr_alice", "alice")

	w := doJSON(r, http.MethodPost, "/v1/requests", gin.H{
		"type":             "recovery",
		"email":            "alice@example.com",
		"country":          "NG",
		"wordsRemembered":  20,
		"walletPassphrase": passphrase("river"),
		"piBalance":        "12.5",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req := decodeRequest(t, w)
	assert.Equal(t, "pending", req["status"])
	assert.NotContains(t, req, "walletPassphrase")
}

func TestHandler_SubmitValidationDetails(t *testing.T) {
	svc, _, _ := newTestService(t)
	r := setupRouter(svc, "usr_alice", "alice")

	w := doJSON(r, http.MethodPost, "/v1/requests", gin.H{"type": "recovery", "email": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"validation_error"`)
	assert.Contains(t, w.Body.String(), `"details"`)
}

func TestHandler_OwnerOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	created := submitRecovery(t, svc, "10")

	w := doJSON(setupRouter(svc, "usr_alice", "alice"), http.MethodGet, "/v1/requests/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(setupRouter(svc, "usr_mallory", "mallory"), http.MethodGet, "/v1/requests/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListRequiresUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	w := doJSON(setupRouter(svc, "", ""), http.MethodGet, "/v1/requests", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_ListRejectsUnknownStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	w := doJSON(setupRouter(svc, "usr_alice", "alice"), http.MethodGet, "/v1/requests?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_StaffCompleteRecordsStaff(t *testing.T) {
	svc, _, _ := newTestService(t)
	created := submitRecovery(t, svc, "100")
	r := setupRouter(svc, "usr_staff", "staffA")

	w := doJSON(r, http.MethodPost, "/v1/admin/requests/"+created.ID+"/complete", gin.H{
		"recoveredPassphrase": passphrase("stone"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	req := decodeRequest(t, w)
	assert.Equal(t, "completed", req["status"])
	assert.Equal(t, "staffA", req["completedBy"])
	assert.Equal(t, "25", req["fee"])

	w = doJSON(r, http.MethodPost, "/v1/admin/requests/"+created.ID+"/reject", gin.H{"reason": "late"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"invalid_transition"`)
}

func TestHandler_RejectRequiresReason(t *testing.T) {
	svc, _, _ := newTestService(t)
	created := submitRecovery(t, svc, "100")
	r := setupRouter(svc, "usr_staff", "staffA")

	w := doJSON(r, http.MethodPost, "/v1/admin/requests/"+created.ID+"/reject", gin.H{"reason": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"missing_reason"`)
}

func TestHandler_AmendNote(t *testing.T) {
	svc, _, _ := newTestService(t)
	created := submitRecovery(t, svc, "100")
	r := setupRouter(svc, "usr_staff", "staffA")

	w := doJSON(r, http.MethodPatch, "/v1/admin/requests/"+created.ID, gin.H{"staffNote": "called user"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	req := decodeRequest(t, w)
	assert.Equal(t, "called user", req["staffNote"])
	assert.Equal(t, "pending", req["status"])
}

func TestHandler_AdminListFiltersByUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	submitRecovery(t, svc, "1")
	submitRecovery(t, svc, "2")

	w := doJSON(setupRouter(svc, "usr_staff", "staffA"), http.MethodGet, "/v1/admin/requests?user=usr_alice&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Requests   []map[string]any `json:"requests"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Requests, 1)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextCursor)
}
