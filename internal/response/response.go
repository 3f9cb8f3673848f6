package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Response is the envelope every backend reply uses. The exam client decodes
// it in package api.
type Response struct {
	Data     interface{} `json:"data"`
	Error    *ErrorBody  `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorBody describes a failed request. Retryable tells the client whether
// sending the same request again may succeed.
type ErrorBody struct {
	Code      ErrCode           `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// Metadata carries the request ID and server time.
type Metadata struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// Success writes data with statusCode.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Data:     data,
		Metadata: buildMetadata(c),
	})
}

// Fail writes an error envelope for code.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	c.JSON(statusCode, Response{
		Error:    errorBody(statusCode, code, nil),
		Metadata: buildMetadata(c),
	})
}

// FailWithFields writes an error envelope with per-field validation messages.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	c.JSON(statusCode, Response{
		Error:    errorBody(statusCode, code, fields),
		Metadata: buildMetadata(c),
	})
}

// AbortFail stops the handler chain and writes an error envelope.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, Response{
		Error:    errorBody(statusCode, code, nil),
		Metadata: buildMetadata(c),
	})
}

// IsRetryableStatus reports whether a request that failed with statusCode may
// succeed when sent again unchanged.
func IsRetryableStatus(statusCode int) bool {
	return statusCode >= http.StatusInternalServerError || statusCode == http.StatusTooManyRequests
}

func errorBody(statusCode int, code ErrCode, fields map[string]string) *ErrorBody {
	return &ErrorBody{
		Code:      code,
		Message:   GetMessage(code),
		Fields:    fields,
		Retryable: IsRetryableStatus(statusCode),
	}
}

func buildMetadata(c *gin.Context) Metadata {
	id := c.GetString(ContextKeyRequestID)
	if id == "" {
		id = uuid.New().String()
	}
	return Metadata{
		RequestID: id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
