package types

import "strconv"

// API error codes are <AREA>_<HTTP status>, e.g. PROGRAM_404.
const (
	ErrCodeUnauthorized = "AUTH_401"
	ErrCodeForbidden    = "AUTH_403"
)

// ErrorCode builds the code for area and an HTTP status.
func ErrorCode(area string, status int) string {
	return area + "_" + strconv.Itoa(status)
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse is the body of every non-2xx REST reply.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Code: code, Message: message, Details: details}}
}
