package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkio/wablast/internal/blast"
	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/internal/webserver"
)

func registerBlastRoutes() {
	webserver.ApiPOST("/blast/:tenant_id/submit", postBlastSubmit)
	webserver.ApiGET("/blast/:tenant_id/list", listBlasts)
	webserver.ApiGET("/blast/:tenant_id/detail/:id", getBlastDetail)
	webserver.ApiPOST("/blast/:tenant_id/pause/:id", postBlastPause)
	webserver.ApiPOST("/blast/:tenant_id/resume/:id", postBlastResume)
	webserver.ApiPOST("/blast/:tenant_id/cancel/:id", postBlastCancel)
}

func postBlastSubmit(c echo.Context) error {
	tenantID := tenantParam(c)
	if tenantID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenant_id is required", nil)
	}
	var req blast.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	id, err := blasts.Submit(tenantID, req)
	if err != nil {
		return fail(c, http.StatusBadRequest, "SUBMIT_FAILED", "Failed to submit blast", err.Error())
	}
	return ok(c, map[string]interface{}{"blast_id": cast.ToString(id)})
}

func listBlasts(c echo.Context) error {
	tenantID := tenantParam(c)
	if tenantID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenant_id is required", nil)
	}
	var items []domain.Blast
	query := webserver.AppCtx().DB().Where("tenant_id = ?", tenantID)
	if status := c.QueryParam("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Order("created_at desc").Limit(200).Find(&items).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Failed to list blasts", err.Error())
	}
	return ok(c, items)
}

// getBlastDetail returns the campaign with its per-recipient rows.
func getBlastDetail(c echo.Context) error {
	tenantID := tenantParam(c)
	blastID := cast.ToInt64(c.Param("id"))
	if tenantID == 0 || blastID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "tenant_id and id are required", nil)
	}
	var item domain.Blast
	if err := webserver.AppCtx().DB().
		Where("id = ? and tenant_id = ?", blastID, tenantID).
		First(&item).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Blast not found", nil)
	}
	var msgs []domain.BlastMessage
	webserver.AppCtx().DB().
		Where("blast_id = ?", blastID).Order("id asc").Find(&msgs)
	return ok(c, map[string]interface{}{
		"blast":    item,
		"messages": msgs,
	})
}

func postBlastPause(c echo.Context) error {
	return blastControl(c, blasts.Pause)
}

func postBlastResume(c echo.Context) error {
	return blastControl(c, blasts.Resume)
}

func postBlastCancel(c echo.Context) error {
	return blastControl(c, blasts.Cancel)
}

func blastControl(c echo.Context, action func(tenantID, blastID int64) error) error {
	tenantID := tenantParam(c)
	blastID := cast.ToInt64(c.Param("id"))
	if tenantID == 0 || blastID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "tenant_id and id are required", nil)
	}
	if err := action(tenantID, blastID); err != nil {
		return fail(c, http.StatusConflict, "STATE_CONFLICT", "Blast state change rejected", err.Error())
	}
	return ok(c, map[string]interface{}{"done": true})
}
