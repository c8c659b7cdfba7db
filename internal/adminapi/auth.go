package adminapi

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/internal/webserver"
	"github.com/talkio/wablast/pkg/common"
	"go.uber.org/zap"
)

func registerAuthRoutes() {
	webserver.PubPOST("/auth/login", postLogin)
}

func postLogin(c echo.Context) error {
	var payload struct {
		Username string `json:"username" form:"username"`
		Password string `json:"password" form:"password"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.Username == "" || payload.Password == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "username and password are required", nil)
	}

	actx := webserver.AppCtx()
	var opr domain.SysOpr
	err := actx.DB().
		Where("username = ? and status = ?", payload.Username, common.ENABLED).
		First(&opr).Error
	if err != nil || opr.Password != common.Sha256HashWithSalt(payload.Password, common.GetSecretSalt()) {
		zap.L().Warn("login rejected", zap.String("username", payload.Username))
		return fail(c, http.StatusUnauthorized, "LOGIN_FAILED", "Invalid username or password", nil)
	}

	expire := time.Duration(actx.Config().Web.JwtExpire) * time.Hour
	claims := jwt.RegisteredClaims{
		Subject:   opr.Username,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expire)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(actx.Config().Web.Secret))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_FAILED", "Failed to issue token", err.Error())
	}

	actx.DB().Model(&domain.SysOpr{}).Where("id = ?", opr.ID).
		Update("last_login", time.Now())

	return ok(c, map[string]interface{}{
		"token":    signed,
		"username": opr.Username,
		"level":    opr.Level,
	})
}
