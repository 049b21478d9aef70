package models

// APIErrorType categorizes API failures for clients.
type APIErrorType string

const (
	GeneralErrorType    APIErrorType = "general"
	ValidationErrorType APIErrorType = "validation"
	NotFoundErrorType   APIErrorType = "not_found"
	RateLimitErrorType  APIErrorType = "rate_limit"
	DeliveryErrorType   APIErrorType = "delivery"
)

// APIResponse is the uniform envelope for REST responses.
type APIResponse struct {
	Status    string       `json:"status"`
	Data      any          `json:"data,omitempty"`
	Message   string       `json:"message,omitempty"`
	ErrorType APIErrorType `json:"error_type,omitempty"`
}
