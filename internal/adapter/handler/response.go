package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every JSON endpoint returns. StatusCode mirrors the
// HTTP status; 0 means success.
type Response struct {
	StatusCode int         `json:"status_code"`
	Msg        string      `json:"msg"`
	Data       interface{} `json:"data"`
}

func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		StatusCode: 0,
		Msg:        "success",
		Data:       data,
	})
}

func fail(c *gin.Context, status int, msg string, data interface{}) {
	if data == nil {
		data = gin.H{}
	}
	if m, ok := data.(gin.H); ok {
		if id := requestID(c); id != "" {
			m["request_id"] = id
		}
	}
	c.AbortWithStatusJSON(status, Response{
		StatusCode: status,
		Msg:        msg,
		Data:       data,
	})
}
