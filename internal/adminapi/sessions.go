package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkio/wablast/internal/webserver"
)

func registerSessionRoutes() {
	webserver.ApiPOST("/session/:tenant_id/connect", postSessionConnect)
	webserver.ApiGET("/session/:tenant_id/status", getSessionStatus)
	webserver.ApiGET("/session/:tenant_id/qr", getSessionQR)
	webserver.ApiPOST("/session/:tenant_id/disconnect", postSessionDisconnect)
	webserver.ApiPOST("/session/:tenant_id/logout", postSessionLogout)
}

// postSessionConnect establishes (or returns) the tenant's connection. When
// the account is not paired yet the response carries the QR codes to render.
func postSessionConnect(c echo.Context) error {
	tenantID := tenantParam(c)
	if tenantID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenant_id is required", nil)
	}
	info, err := connections.Connect(c.Request().Context(), tenantID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "CONNECT_FAILED", "Failed to connect session", err.Error())
	}
	return ok(c, info)
}

func getSessionStatus(c echo.Context) error {
	tenantID := tenantParam(c)
	if tenantID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenant_id is required", nil)
	}
	return ok(c, connections.Status(tenantID))
}

// getSessionQR returns the latest pairing codes. The frontend renders the QR
// client-side from the string value.
func getSessionQR(c echo.Context) error {
	tenantID := tenantParam(c)
	if tenantID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenant_id is required", nil)
	}
	info := connections.Status(tenantID)
	var code string
	if len(info.QRCodes) > 0 {
		code = info.QRCodes[0]
	}
	return ok(c, map[string]interface{}{
		"status": info.Status,
		"code":   code,
		"has_qr": code != "",
	})
}

func postSessionDisconnect(c echo.Context) error {
	tenantID := tenantParam(c)
	if tenantID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenant_id is required", nil)
	}
	connections.Disconnect(tenantID)
	return ok(c, map[string]interface{}{"disconnected": true})
}

// postSessionLogout invalidates the credentials; the tenant must re-pair.
func postSessionLogout(c echo.Context) error {
	tenantID := tenantParam(c)
	if tenantID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenant_id is required", nil)
	}
	if err := connections.Logout(c.Request().Context(), tenantID); err != nil {
		return fail(c, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to logout session", err.Error())
	}
	return ok(c, map[string]interface{}{"logged_out": true})
}
