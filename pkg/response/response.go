package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// SAKA 业务码：用户可见的结果，HTTP 状态仍为 200
const (
	CodeUnknownReason       = 2001
	CodeInsufficientBalance = 2002
	CodeWalletNotFound      = 2003
	CodeLockTimeout         = 2004
	CodeEngineBusy          = 2005
	CodeEngineDisabled      = 2006
	CodeCycleNotFound       = 2007
	CodeInvalidCycle        = 2008
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func Forbidden(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusForbidden, Response{
		Code:    CodeForbidden,
		Message: message,
	})
}

// ServerError 完整性违规、配置或系统故障，HTTP 500
func ServerError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Code:    CodeServerError,
		Message: message,
	})
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
