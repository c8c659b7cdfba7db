package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/internal/webserver"
	"github.com/talkio/wablast/pkg/common"
)

func registerContactRoutes() {
	webserver.ApiPOST("/contact/:tenant_id", postContactCreate)
	webserver.ApiGET("/contact/:tenant_id/list", listContacts)
	webserver.ApiPOST("/contact/:tenant_id/block/:id", postContactBlock)
}

func postContactCreate(c echo.Context) error {
	tenantID := tenantParam(c)
	if tenantID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenant_id is required", nil)
	}
	var payload struct {
		Phone string `json:"phone" form:"phone"`
		Name  string `json:"name" form:"name"`
		Tags  string `json:"tags" form:"tags"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	payload.Phone = strings.TrimSpace(payload.Phone)
	if payload.Phone == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "phone is required", nil)
	}
	contact := domain.Contact{
		ID:       common.UUIDint64(),
		TenantID: tenantID,
		Phone:    payload.Phone,
		Name:     payload.Name,
		Tags:     payload.Tags,
	}
	if err := webserver.AppCtx().DB().Create(&contact).Error; err != nil {
		return fail(c, http.StatusConflict, "CREATE_FAILED", "Failed to create contact", err.Error())
	}
	return ok(c, contact)
}

func listContacts(c echo.Context) error {
	tenantID := tenantParam(c)
	if tenantID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenant_id is required", nil)
	}
	var items []domain.Contact
	query := webserver.AppCtx().DB().Where("tenant_id = ?", tenantID)
	if tag := c.QueryParam("tag"); tag != "" {
		query = query.Where("tags like ?", "%"+tag+"%")
	}
	if err := query.Order("name asc").Limit(500).Find(&items).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Failed to list contacts", err.Error())
	}
	return ok(c, items)
}

func postContactBlock(c echo.Context) error {
	tenantID := tenantParam(c)
	contactID := cast.ToInt64(c.Param("id"))
	if tenantID == 0 || contactID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "tenant_id and id are required", nil)
	}
	blocked := c.QueryParam("blocked") != "false"
	res := webserver.AppCtx().DB().Model(&domain.Contact{}).
		Where("id = ? and tenant_id = ?", contactID, tenantID).
		Updates(map[string]interface{}{"blocked": blocked, "updated_at": time.Now()})
	if res.Error != nil || res.RowsAffected == 0 {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Contact not found", nil)
	}
	return ok(c, map[string]interface{}{"blocked": blocked})
}
