package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/Ramsey-B/sage/pkg/context"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    int
		wantMessage string
	}{
		{"http error", httperror.NewHTTPError(http.StatusNotFound, "credential not found"), http.StatusNotFound, "credential not found"},
		{"echo error", echo.NewHTTPError(http.StatusUnauthorized, "missing bearer"), http.StatusUnauthorized, "missing bearer"},
		{"plain error", errors.New("db exploded"), http.StatusInternalServerError, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(appctx.SetRequestID(req.Context(), "req-1"))
			rec := httptest.NewRecorder()

			Error(testLogger())(tt.err, e.NewContext(req, rec))

			assert.Equal(t, tt.wantCode, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantMessage, body.Message)
			assert.Equal(t, "req-1", body.RequestID)
		})
	}
}

func TestContext_TrustHeaders(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderWorkspaceID, "ws-1")
	req.Header.Set(HeaderUserID, "user-1")
	rec := httptest.NewRecorder()

	var workspaceID, userID, requestID string
	handler := Context(true)(func(c echo.Context) error {
		ctx := c.Request().Context()
		workspaceID = appctx.GetWorkspaceID(ctx)
		userID = appctx.GetUserID(ctx)
		requestID = appctx.GetRequestID(ctx)
		return nil
	})

	require.NoError(t, handler(e.NewContext(req, rec)))
	assert.Equal(t, "ws-1", workspaceID)
	assert.Equal(t, "user-1", userID)
	assert.NotEmpty(t, requestID)
	assert.Equal(t, requestID, rec.Header().Get(echo.HeaderXRequestID))
}

func TestContext_IgnoresHeadersWhenUntrusted(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderWorkspaceID, "ws-1")

	var workspaceID string
	handler := Context(false)(func(c echo.Context) error {
		workspaceID = appctx.GetWorkspaceID(c.Request().Context())
		return nil
	})

	require.NoError(t, handler(e.NewContext(req, httptest.NewRecorder())))
	assert.Empty(t, workspaceID)
}

func TestAuthentication_MissingBearer(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := Authentication(testLogger(), nil)(func(c echo.Context) error { return nil })
	err := handler(e.NewContext(req, httptest.NewRecorder()))

	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.Code)
}
