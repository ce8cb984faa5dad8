package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/123ashny/KENYASHIP/internal/access"
	"github.com/123ashny/KENYASHIP/internal/codes"
	"github.com/123ashny/KENYASHIP/internal/crypto"
	"github.com/123ashny/KENYASHIP/internal/handler"
	"github.com/123ashny/KENYASHIP/internal/notify"
	"github.com/123ashny/KENYASHIP/internal/realtime"
	"github.com/123ashny/KENYASHIP/internal/securitymon"
	"github.com/123ashny/KENYASHIP/internal/verification"
)

const (
	jwtSecret  = "kenyaship-jwt-secret-for-tests-00001"
	hmacSecret = "kenyaship-hmac-secret-for-tests-0001"
)

type envelope struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"requestId"`
		Timestamp string `json:"timestamp"`
	} `json:"meta"`
}

type testApp struct {
	e     *echo.Echo
	auth  *access.Authenticator
	audit *access.Log
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cipher, err := crypto.NewCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	auth := access.NewAuthenticator(jwtSecret)
	audit := access.NewLog(logger)
	guard := handler.NewGuard(audit)

	svc := verification.NewService(cipher, hmacSecret, 5*time.Minute, 6, audit, logger)
	monitor := securitymon.NewMonitor(audit, logger)
	dispatcher := notify.NewDispatcher(cipher, audit, logger)
	dispatcher.RegisterAdapter(notify.NewStubAdapter(notify.ChannelSMS, logger))
	hub := realtime.NewHub(logger)
	hub.SetVerifier(auth)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(handler.AuthContext(auth))

	handler.RegisterHealth(e)
	handler.NewLocationHandler(audit, guard, false).Register(e)
	handler.NewCodesHandler(codes.NewGenerator(hmacSecret, 30*time.Minute), audit, guard).Register(e)
	handler.NewPrivacyHandler(guard).Register(e)
	handler.NewVerificationHandler(svc, guard, false).Register(e)
	handler.NewSecurityHandler(monitor, guard, false).Register(e)
	handler.NewNotificationsHandler(dispatcher, guard, false).Register(e)
	handler.NewRealtimeHandler(hub, guard, logger).Register(e)

	return &testApp{e: e, auth: auth, audit: audit}
}

func (a *testApp) token(t *testing.T, userID string, role access.Role) string {
	t.Helper()
	token, err := a.auth.IssueToken(userID, role, time.Hour)
	require.NoError(t, err)
	return token
}

func (a *testApp) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	rec, _ := app.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, handler.ServiceName, body["service"])
}

func TestEnvelopeMeta(t *testing.T) {
	app := newTestApp(t)
	rec, env := app.do(t, http.MethodGet, "/api/codes/themes", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.Meta.RequestID)
	_, err := time.Parse(time.RFC3339, env.Meta.Timestamp)
	assert.NoError(t, err)
	assert.Equal(t, env.Meta.RequestID, rec.Header().Get(echo.HeaderXRequestID))
}

func TestRateLimitDeniedEnvelope(t *testing.T) {
	e := echo.New()
	e.Use(middleware.RequestID())
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store:       middleware.NewRateLimiterMemoryStore(rate.Limit(0)),
		DenyHandler: handler.RateLimitDenied,
	}))
	e.GET("/api/codes/themes", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/codes/themes", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
	assert.NotEmpty(t, env.Meta.RequestID)
	_, err := time.Parse(time.RFC3339, env.Meta.Timestamp)
	assert.NoError(t, err)
}

func TestAuthContext(t *testing.T) {
	app := newTestApp(t)

	// No token: public routes still answer.
	rec, env := app.do(t, http.MethodGet, "/api/privacy/permissions", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, env.Data, "role")

	// Valid token: the caller's grants are included.
	rec, env = app.do(t, http.MethodGet, "/api/privacy/permissions", app.token(t, "driver-7", access.RoleDriver), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "driver", env.Data["role"])

	// A present-but-invalid token is refused even on public routes.
	rec, env = app.do(t, http.MethodGet, "/api/privacy/permissions", "not.a.jwt", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_TOKEN", env.Error.Code)
}

func TestAuthContext_MalformedHeader(t *testing.T) {
	app := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/api/privacy/permissions", nil)
	req.Header.Set(echo.HeaderAuthorization, "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	app.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth(t *testing.T) {
	app := newTestApp(t)
	rec, env := app.do(t, http.MethodPost, "/api/location/obfuscate", "", `{"latitude":-1.286,"longitude":36.817}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
}

func TestRequirePermission_DenialIsAudited(t *testing.T) {
	app := newTestApp(t)
	before := app.audit.Len()

	rec, env := app.do(t, http.MethodGet, "/api/security/alerts", app.token(t, "customer-1", access.RoleCustomer), "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	entries := app.audit.Entries()
	require.Greater(t, app.audit.Len(), before)
	last := entries[len(entries)-1]
	assert.Equal(t, access.ResultDenied, last.Result)
	assert.Equal(t, "customer-1", last.ActorID)
}

func TestObfuscate(t *testing.T) {
	app := newTestApp(t)
	rec, env := app.do(t, http.MethodPost, "/api/location/obfuscate",
		app.token(t, "driver-7", access.RoleDriver),
		`{"latitude":-1.286,"longitude":36.817}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, env.Data["zoneId"])
	assert.Equal(t, float64(8), env.Data["resolution"])
	assert.NotContains(t, rec.Body.String(), "latitude")
	assert.NotContains(t, rec.Body.String(), "36.817")
}

func TestObfuscate_OutOfRange(t *testing.T) {
	app := newTestApp(t)
	rec, env := app.do(t, http.MethodPost, "/api/location/obfuscate",
		app.token(t, "driver-7", access.RoleDriver),
		`{"latitude":99,"longitude":36.817}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestZoneCenter(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "driver-7", access.RoleDriver)

	_, env := app.do(t, http.MethodPost, "/api/location/obfuscate", token, `{"latitude":-1.286,"longitude":36.817}`)
	zoneID, _ := env.Data["zoneId"].(string)
	require.NotEmpty(t, zoneID)

	rec, env := app.do(t, http.MethodGet, "/api/location/zones/"+zoneID+"/center", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zoneID, env.Data["zoneId"])
	assert.Equal(t, float64(8), env.Data["resolution"])
	assert.NotNil(t, env.Data["center"])

	rec, env = app.do(t, http.MethodGet, "/api/location/zones/nonsense/center", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestCodesGenerate(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "customer-1", access.RoleCustomer)

	rec, env := app.do(t, http.MethodPost, "/api/codes/generate", token, `{"deliveryId":"D1","theme":"safari"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, env.Data["code"])
	assert.Equal(t, "safari", env.Data["theme"])

	rec, env = app.do(t, http.MethodPost, "/api/codes/generate", token, `{"theme":"safari"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestVerificationStatus_NotFound(t *testing.T) {
	app := newTestApp(t)
	rec, env := app.do(t, http.MethodGet, "/api/verification/status/unknown",
		app.token(t, "driver-7", access.RoleDriver), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestVerificationFlowOverHTTP(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "driver-7", access.RoleDriver)

	rec, _ := app.do(t, http.MethodPost, "/api/verification/initialize", token,
		`{"deliveryId":"D1","required":["otp"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := app.do(t, http.MethodPost, "/api/verification/otp/generate", token,
		`{"deliveryId":"D1","recipientId":"customer-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	otp, _ := env.Data["otp"].(string)
	require.Len(t, otp, 6)

	rec, env = app.do(t, http.MethodPost, "/api/verification/otp/verify", token,
		`{"deliveryId":"D1","token":"`+otp+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, env.Data["valid"])

	rec, env = app.do(t, http.MethodGet, "/api/verification/status/D1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, env.Data["complete"])
}

func TestVerificationPhoto_BadEncoding(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "driver-7", access.RoleDriver)
	app.do(t, http.MethodPost, "/api/verification/initialize", token, `{"deliveryId":"D2","required":["photo"]}`)

	rec, env := app.do(t, http.MethodPost, "/api/verification/photo", token,
		`{"deliveryId":"D2","photo":"%%%not-base64%%%"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestSecurityLocationUpdate(t *testing.T) {
	app := newTestApp(t)
	rec, env := app.do(t, http.MethodPost, "/api/security/location-update",
		app.token(t, "driver-7", access.RoleDriver),
		`{"deliveryId":"D1","driverId":"driver-7","latitude":-1.286,"longitude":36.817}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, env.Data["zoneId"])
	assert.NotContains(t, rec.Body.String(), "latitude")
}

func TestSecurityAlerts_OfficerAllowed(t *testing.T) {
	app := newTestApp(t)
	rec, env := app.do(t, http.MethodGet, "/api/security/alerts",
		app.token(t, "officer-1", access.RoleSecurityOfficer), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, env.Data, "alerts")
}

func TestNotifications_ListOwnOnly(t *testing.T) {
	app := newTestApp(t)

	rec, _ := app.do(t, http.MethodGet, "/api/notifications/user/customer-1",
		app.token(t, "customer-1", access.RoleCustomer), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := app.do(t, http.MethodGet, "/api/notifications/user/customer-2",
		app.token(t, "customer-1", access.RoleCustomer), "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	rec, _ = app.do(t, http.MethodGet, "/api/notifications/user/customer-2",
		app.token(t, "admin-1", access.RoleAdmin), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotifications_GetOwnOnly(t *testing.T) {
	app := newTestApp(t)

	rec, env := app.do(t, http.MethodPost, "/api/notifications/send",
		app.token(t, "dispatcher-1", access.RoleDispatcher),
		`{"recipientId":"customer-1","channel":"sms","content":"Karibu"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id, _ := env.Data["id"].(string)
	require.NotEmpty(t, id)

	rec, env = app.do(t, http.MethodGet, "/api/notifications/"+id,
		app.token(t, "customer-2", access.RoleCustomer), "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	rec, _ = app.do(t, http.MethodGet, "/api/notifications/"+id,
		app.token(t, "customer-1", access.RoleCustomer), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = app.do(t, http.MethodGet, "/api/notifications/"+id,
		app.token(t, "admin-1", access.RoleAdmin), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotificationsSend(t *testing.T) {
	app := newTestApp(t)
	token := app.token(t, "dispatcher-1", access.RoleDispatcher)

	rec, env := app.do(t, http.MethodPost, "/api/notifications/send", token,
		`{"recipientId":"customer-1","channel":"sms","content":"Karibu"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "sent", env.Data["status"])
	assert.NotContains(t, rec.Body.String(), "Karibu")

	rec, env = app.do(t, http.MethodPost, "/api/notifications/send", token,
		`{"recipientId":"customer-1","channel":"carrier_pigeon","content":"Karibu"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestRealtimeHealth(t *testing.T) {
	app := newTestApp(t)
	rec, env := app.do(t, http.MethodGet, "/api/realtime/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", env.Data["status"])
	assert.Equal(t, float64(0), env.Data["sessions"])
}
