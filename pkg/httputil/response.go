package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/lab-booking/pkg/errors"
)

// Response wraps all API responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents API error
type Error struct {
	Code      int               `json:"code"`
	Message   string            `json:"message"`
	Kind      string            `json:"kind,omitempty"`
	SubKind   string            `json:"sub_kind,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Pagination represents pagination metadata
type Pagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"page_size"`
	Total     int `json:"total"`
	TotalPage int `json:"total_pages"`
}

// NewPagination fills in the page count.
func NewPagination(page, pageSize, total int) Pagination {
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return Pagination{
		Page:      page,
		PageSize:  pageSize,
		Total:     total,
		TotalPage: totalPages,
	}
}

// PaginatedResponse wraps paginated data
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// RespondWithSuccess sends a success response
func RespondWithSuccess(c *gin.Context, data interface{}) {
	RespondWithStatus(c, http.StatusOK, data)
}

// RespondWithStatus sends a success response with an explicit status.
func RespondWithStatus(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithError sends an error response
func RespondWithError(c *gin.Context, err error) {
	statusCode := errors.HTTPStatus(err)
	apiErr := &Error{
		Code:    statusCode,
		Message: "Internal server error",
		Kind:    string(errors.KindInternal),
	}

	if appErr, ok := errors.As(err); ok {
		apiErr.Message = appErr.Message
		apiErr.Kind = string(appErr.Kind)
		apiErr.SubKind = string(appErr.SubKind)
		apiErr.Retryable = appErr.Retryable
		apiErr.Details = appErr.Details
	}

	c.JSON(statusCode, Response{
		Success: false,
		Error:   apiErr,
	})
}

// RespondWithPagination sends a paginated response
func RespondWithPagination(c *gin.Context, data interface{}, p Pagination) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: PaginatedResponse{
			Data:       data,
			Pagination: p,
		},
	})
}

// envelope is the decode-side view of Response.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *Error          `json:"error"`
}

// Decode reads a Response envelope from r and unmarshals its data into out.
// A failed envelope is returned as *Error. out may be nil.
func Decode(r io.Reader, status int, out interface{}) error {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		if err == io.EOF && status < 300 && out == nil {
			return nil
		}
		return fmt.Errorf("decode response envelope: %w", err)
	}
	if !env.Success {
		if env.Error == nil {
			env.Error = &Error{Code: status, Message: http.StatusText(status)}
		}
		if env.Error.Code == 0 {
			env.Error.Code = status
		}
		return env.Error
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
