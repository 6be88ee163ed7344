// Package handlers is the HTTP surface: gin routes, middleware and the
// response envelope shared by every endpoint.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgeplatform/plugind/pkg/api"
)

// statusFor maps error codes to HTTP statuses. Unknown codes are 500.
var statusFor = map[string]int{
	api.ErrCodeInvalidManifest:    http.StatusBadRequest,
	api.ErrCodeValidation:         http.StatusBadRequest,
	api.ErrCodeAlreadyInstalled:   http.StatusConflict,
	api.ErrCodePortInUse:          http.StatusConflict,
	api.ErrCodeInvalidTransition:  http.StatusConflict,
	api.ErrCodeBusy:               http.StatusConflict,
	api.ErrCodeNotFound:           http.StatusNotFound,
	api.ErrCodePackageTooLarge:    http.StatusRequestEntityTooLarge,
	api.ErrCodeImagePullFailed:    http.StatusBadGateway,
	api.ErrCodeRuntimeUnavailable: http.StatusServiceUnavailable,
	api.ErrCodeGatewayFailure:     http.StatusBadGateway,
	api.ErrCodeRegistryFetch:      http.StatusBadGateway,
	api.ErrCodeStorageFailure:     http.StatusInternalServerError,
	api.ErrCodeNoPortAvailable:    http.StatusConflict,
	api.ErrCodeInternal:           http.StatusInternalServerError,
}

func respond(c *gin.Context, status int, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	c.JSON(status, api.Response{
		Success:   true,
		Data:      raw,
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}

func respondErr(c *gin.Context, err error) {
	apiErr, ok := asAPIError(err)
	if !ok {
		apiErr = api.NewError(api.ErrCodeInternal, "%s", err.Error())
	}
	status, ok := statusFor[apiErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, api.Response{
		Success:   false,
		Error:     apiErr,
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}

func asAPIError(err error) (*api.Error, bool) {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
