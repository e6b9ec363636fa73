package payments

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

func setupRouter(t *testing.T, f *fixture, userID string) *gin.Engine {
	t.Helper()
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(auth.ContextKeyUserID, userID)
		}
		c.Next()
	})
	NewHandler(f.svc).RegisterProtectedRoutes(v1)
	return r
}

func post(r http.Handler, path string, body any) *httptest.ResponseRecorder {
	buf, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CompleteRedactsRequest(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f, "usr_alice")

	w := post(r, "/v1/payments/complete", gin.H{"paymentId": "pay_123", "txid": "tx_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Applied bool `json:"applied"`
		Request map[string]any
		Payment map[string]any
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Applied)
	assert.Equal(t, "completed", body.Request["status"])
	assert.NotContains(t, body.Request, "walletPassphrase")
	assert.Equal(t, "tx_1", body.Payment["txid"])
}

func TestHandler_MissingPaymentID(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f, "usr_alice")

	w := post(r, "/v1/payments/approve", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestHandler_CancelAlias(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f, "usr_alice")

	w := post(r, "/v1/payments/cancell", gin.H{"paymentId": "pay_123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"failed"`)
}

func TestHandler_Incomplete(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f, "usr_alice")

	w := post(r, "/v1/payments/incomplete", gin.H{"payment": gin.H{"identifier": "pay_123"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"resolution":"acknowledged"`)

	w = post(r, "/v1/payments/incomplete", gin.H{"payment": gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ErrorCodes(t *testing.T) {
	f := newFixture(t)

	w := post(setupRouter(t, f, "usr_bob"), "/v1/payments/approve", gin.H{"paymentId": "pay_123"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"forbidden"`)

	w = post(setupRouter(t, f, ""), "/v1/payments/approve", gin.H{"paymentId": "pay_123"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(setupRouter(t, f, "usr_alice"), "/v1/payments/approve", gin.H{"paymentId": "pay_missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_GetOnlyOwnPayments(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f, "usr_alice")
	require.Equal(t, http.StatusOK, post(r, "/v1/payments/approve", gin.H{"paymentId": "pay_123"}).Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/payments/pay_123", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"approved"`)

	w = httptest.NewRecorder()
	setupRouter(t, f, "usr_bob").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/payments/pay_123", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
