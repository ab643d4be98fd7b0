package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/propertyops/rentledger/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:             "8080",
		Env:              "test",
		LogLevel:         "error",
		RefundHold:       48 * time.Hour,
		StandingInterval: time.Hour,
		MinPayment:       "0.01",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv, err := New(testConfig())
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLivenessEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv.Router(), http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "alive")
}

func TestReadinessBeforeRun(t *testing.T) {
	srv := newTestServer(t)

	// Run() has not been called, so the server is not ready yet.
	w := doJSON(t, srv.Router(), http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthEndpointInMemory(t *testing.T) {
	srv := newTestServer(t)

	// No database registered, so no checks can fail.
	w := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "healthy")
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv.Router(), http.MethodGet, "/api", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// A caller-supplied request ID is echoed back.
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	w2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(w2, req)
	require.Equal(t, "req-abc-123", w2.Header().Get("X-Request-ID"))
}

// TestRentCycleOverHTTP drives a tenancy through bill, payment, and
// wallet top-up via the public API.
func TestRentCycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	// Register a tenancy.
	w := doJSON(t, router, http.MethodPost, "/v1/tenancies", gin.H{
		"propertyId":  "prop-1",
		"apartmentId": "apt-1",
		"tenantId":    "tenant-1",
		"tenantName":  "Ada Lovelace",
		"rentAmount":  "900",
		"dueDay":      5,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var tcy struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tcy))
	require.NotEmpty(t, tcy.ID)

	// Generate the monthly schedule.
	w = doJSON(t, router, http.MethodPost, "/v1/bills/schedule", gin.H{
		"propertyId": "prop-1",
		"period":     "2024-03",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var schedule struct {
		Bills []struct {
			ID      string `json:"id"`
			Amount  string `json:"amount"`
			Balance string `json:"balance"`
			Status  string `json:"status"`
		} `json:"bills"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &schedule))
	require.Len(t, schedule.Bills, 1)
	require.Equal(t, "900.00", schedule.Bills[0].Amount)
	require.Equal(t, "due", schedule.Bills[0].Status)

	// Pay part of it manually.
	w = doJSON(t, router, http.MethodPost, "/v1/bills/"+schedule.Bills[0].ID+"/pay", gin.H{
		"tenantId": "tenant-1",
		"amount":   "400",
		"method":   "cash",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// Bill is now partial.
	w = doJSON(t, router, http.MethodGet, "/v1/bills/"+schedule.Bills[0].ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bill struct {
		Balance string `json:"balance"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bill))
	require.Equal(t, "500.00", bill.Balance)
	require.Equal(t, "partial", bill.Status)

	// Top up the tenant wallet and check the balance.
	w = doJSON(t, router, http.MethodPost, "/v1/wallets/tenant-1/topup", gin.H{
		"amount":    "1000",
		"reference": "bank-feb",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/wallets/tenant-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "1000.00")
}

// TestPrepaymentFlowOverHTTP creates a prepayment and allocates it to
// an outstanding bill.
func TestPrepaymentFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodPost, "/v1/bills", gin.H{
		"tenancyId":   "tcy_x",
		"apartmentId": "apt-9",
		"type":        "rent",
		"period":      "2024-04",
		"dueDate":     "2024-04-05",
		"amount":      "600",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var bill struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bill))

	w = doJSON(t, router, http.MethodPost, "/v1/prepayments", gin.H{
		"tenantId":    "tenant-9",
		"apartmentId": "apt-9",
		"amount":      "1000",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var ppy struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ppy))

	w = doJSON(t, router, http.MethodPost, "/v1/prepayments/"+ppy.ID+"/allocate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), bill.ID)

	// The bill's allocation trail shows the prepayment application.
	w = doJSON(t, router, http.MethodGet, "/v1/bills/"+bill.ID+"/allocations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), ppy.ID)
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodPost, "/v1/bills", gin.H{
		"tenancyId":   "tcy_d",
		"apartmentId": "apt-d",
		"type":        "rent",
		"period":      "2024-05",
		"dueDate":     "2024-05-05",
		"amount":      "500",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var bill struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bill))

	w = doJSON(t, router, http.MethodPost, "/v1/bills/"+bill.ID+"/pay", gin.H{
		"tenantId": "tenant-d",
		"amount":   "500",
		"method":   "cash",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var payment struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payment))
	require.Equal(t, "success", payment.Status)

	w = doJSON(t, router, http.MethodPost, "/v1/disputes", gin.H{
		"paymentId": payment.ID,
		"raisedBy":  "tenant-d",
		"reason":    "amount does not match the agreed rent",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var dsp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dsp))
	require.Equal(t, "open", dsp.Status)

	w = doJSON(t, router, http.MethodPost, "/v1/disputes/"+dsp.ID+"/refund", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "refunded")
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv.Router(), http.MethodGet, "/v1/nothing-here", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
