package fileops

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the response envelope for every operation.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func Succeed(msg string, data any) Result {
	return Result{Status: StatusSuccess, Message: msg, Data: data}
}

// Fail reports err with its user-facing message; causes stay out of the body.
func Fail(err error) Result {
	return Result{Status: StatusError, Message: classify(err, "Internal error").Message}
}
