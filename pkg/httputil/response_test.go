package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/lab-booking/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRespondWithErrorUsesKindStatus(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	RespondWithError(c, errors.NewBackendRejected(errors.SubKindPostBooking, nil).WithDetail("booking_id", "bk-1"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp struct {
		Success bool  `json:"success"`
		Error   Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "backend_rejected", resp.Error.Kind)
	assert.Equal(t, "post_booking", resp.Error.SubKind)
	assert.True(t, resp.Error.Retryable)
	assert.Equal(t, "bk-1", resp.Error.Details["booking_id"])
}

func TestDecodeSuccess(t *testing.T) {
	var out struct {
		OrderID string `json:"order_id"`
	}
	err := Decode(strings.NewReader(`{"success":true,"data":{"order_id":"ord_1"}}`), http.StatusOK, &out)
	require.NoError(t, err)
	assert.Equal(t, "ord_1", out.OrderID)
}

func TestDecodeFailure(t *testing.T) {
	err := Decode(strings.NewReader(`{"success":false,"error":{"message":"slot taken"}}`), http.StatusConflict, nil)
	require.Error(t, err)

	apiErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, apiErr.Code)
	assert.Equal(t, "slot taken", apiErr.Message)
}

func TestDecodeEmptyBody(t *testing.T) {
	assert.NoError(t, Decode(strings.NewReader(""), http.StatusNoContent, nil))
	assert.Error(t, Decode(strings.NewReader("<html>"), http.StatusBadGateway, nil))
}

func TestNewPagination(t *testing.T) {
	p := NewPagination(2, 10, 35)
	assert.Equal(t, 4, p.TotalPage)
	assert.Equal(t, 0, NewPagination(1, 0, 3).TotalPage)
}
