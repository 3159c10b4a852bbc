package error

// GenericError is implemented by every typed error in this package, giving
// the HTTP layer a uniform way to map errors to responses.
type GenericError interface {
	Error() string
	ErrCode() string
	StatusCode() int
}
