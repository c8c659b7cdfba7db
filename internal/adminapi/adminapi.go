// Package adminapi registers the REST handlers: authentication, tenant
// session control and blast campaign control. The heavy lifting lives in
// connmgr and blast; handlers only parse, delegate and wrap responses.
package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkio/wablast/internal/blast"
	"github.com/talkio/wablast/internal/connmgr"
)

var (
	connections *connmgr.Manager
	blasts      *blast.Engine
)

// Init wires the service dependencies and registers every route.
func Init(cm *connmgr.Manager, be *blast.Engine) {
	connections = cm
	blasts = be

	registerAuthRoutes()
	registerSessionRoutes()
	registerBlastRoutes()
	registerContactRoutes()
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": 0,
		"data": data,
	})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":    1,
		"error":   code,
		"message": message,
		"detail":  detail,
	})
}

// tenantParam reads the tenant id from the route param or query string.
func tenantParam(c echo.Context) int64 {
	if v := c.Param("tenant_id"); v != "" {
		return cast.ToInt64(v)
	}
	return cast.ToInt64(c.QueryParam("tenant_id"))
}
