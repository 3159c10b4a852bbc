package utils

// ResponseData is the standard REST response envelope.
type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

// PanicIfNeeded panics on error so the recovery middleware can translate
// typed errors into HTTP responses.
func PanicIfNeeded(err error, message ...string) {
	if err != nil {
		if len(message) > 0 {
			panic(message[0])
		}
		panic(err)
	}
}
