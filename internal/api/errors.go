package api

import (
	"net/http"

	"evcharge/internal/service"

	"github.com/gin-gonic/gin"
)

// HTTPError is the JSON body of a failed request
type HTTPError struct {
	Code    int    `json:"-"`
	Kind    string `json:"error"`
	Message string `json:"details,omitempty"`
}

func (e *HTTPError) Error() string {
	return e.Message
}

var statusByKind = map[service.ErrorKind]int{
	service.KindValidation:         http.StatusBadRequest,
	service.KindInvalidTransition:  http.StatusConflict,
	service.KindSpotUnavailable:    http.StatusConflict,
	service.KindSignatureMismatch:  http.StatusUnauthorized,
	service.KindConflictingOutcome: http.StatusConflict,
	service.KindStaleProgress:      http.StatusConflict,
	service.KindNotFound:           http.StatusNotFound,
	service.KindInternal:           http.StatusInternalServerError,
}

// toHTTPError maps a service error onto a status code
func toHTTPError(err error) *HTTPError {
	kind := service.KindOf(err)
	code, ok := statusByKind[kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	msg := err.Error()
	if kind == service.KindInternal {
		msg = "internal error"
	}
	return &HTTPError{Code: code, Kind: string(kind), Message: msg}
}

func writeError(c *gin.Context, err error) {
	httpErr := toHTTPError(err)
	if httpErr.Code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(httpErr.Code, httpErr)
}

func badRequest(c *gin.Context, msg string, err error) {
	body := &HTTPError{Code: http.StatusBadRequest, Kind: string(service.KindValidation), Message: msg}
	if err != nil {
		body.Message = msg + ": " + err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, body)
}

// ipnAck is the acknowledgement gateways expect from a server-to-server
// notification. VNPay retries until it sees RspCode 00 or a definite rejection.
func ipnAck(err error) gin.H {
	if err == nil {
		return gin.H{"RspCode": "00", "Message": "Confirm Success"}
	}
	switch service.KindOf(err) {
	case service.KindSignatureMismatch:
		return gin.H{"RspCode": "97", "Message": "Invalid Checksum"}
	case service.KindNotFound:
		return gin.H{"RspCode": "01", "Message": "Order not found"}
	case service.KindValidation:
		return gin.H{"RspCode": "04", "Message": "Invalid request"}
	case service.KindConflictingOutcome:
		return gin.H{"RspCode": "02", "Message": "Order already confirmed"}
	}
	return gin.H{"RspCode": "99", "Message": "Unknown error"}
}
