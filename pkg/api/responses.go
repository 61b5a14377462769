package api

import "github.com/gin-gonic/gin"

// Envelope is the uniform response shape of the control plane.
type Envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, Envelope{Success: true, Message: message})
}

func respondError(c *gin.Context, status int, message string, errs ...string) {
	c.JSON(status, Envelope{Success: false, Message: message, Errors: errs})
}
