package handlers

import (
	"net/http"
	"net/url"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sage/pkg/orchestrator"
	"github.com/Ramsey-B/sage/pkg/utils"
)

// OAuthHandler receives the provider's redirect after the user authorizes.
// The route is unauthenticated; the workspace comes from the signed state.
type OAuthHandler struct {
	connector ConnectService
	// Browser destination after the callback. Empty means respond with JSON.
	returnURL string
	logger    ectologger.Logger
}

func NewOAuthHandler(connector ConnectService, returnURL string, logger ectologger.Logger) *OAuthHandler {
	return &OAuthHandler{connector: connector, returnURL: returnURL, logger: logger}
}

type CallbackRequest struct {
	Source  string `param:"source" validate:"required"`
	Code    string `query:"code"`
	State   string `query:"state"`
	RealmID string `query:"realmId"`
	Error   string `query:"error"`
}

// RegisterRoutes registers the OAuth callback route
func (h *OAuthHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/oauth/:source/callback", h.Callback)
}

// Callback handles GET /oauth/:source/callback
func (h *OAuthHandler) Callback(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[CallbackRequest](c)
	if err != nil {
		return err
	}

	result, err := h.connector.CompleteOAuth(ctx, orchestrator.CallbackParams{
		Source:  req.Source,
		Code:    req.Code,
		State:   req.State,
		RealmID: req.RealmID,
		Error:   req.Error,
	})
	if h.returnURL == "" {
		if err != nil {
			return err
		}
		return SuccessResponse(c, result)
	}

	if err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("source", req.Source).Warn("oauth callback failed")
		return c.Redirect(http.StatusFound, h.redirect(req.Source, "error", callbackMessage(err)))
	}
	return c.Redirect(http.StatusFound, h.redirect(req.Source, "connected", ""))
}

func (h *OAuthHandler) redirect(source, status, message string) string {
	u, err := url.Parse(h.returnURL)
	if err != nil {
		return h.returnURL
	}
	q := u.Query()
	q.Set("source", source)
	q.Set("status", status)
	if message != "" {
		q.Set("message", message)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// callbackMessage keeps server failures opaque to the browser.
func callbackMessage(err error) string {
	if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) < http.StatusInternalServerError {
		return err.Error()
	}
	return "connection failed"
}
