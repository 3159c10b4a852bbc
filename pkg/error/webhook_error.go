package error

import "net/http"

type WebhookError string

func (err WebhookError) Error() string {
	return string(err)
}

func (err WebhookError) ErrCode() string {
	return "WEBHOOK_ERROR"
}

func (err WebhookError) StatusCode() int {
	return http.StatusBadRequest
}

type ValidationError string

func (err ValidationError) Error() string {
	return string(err)
}

func (err ValidationError) ErrCode() string {
	return "VALIDATION_ERROR"
}

func (err ValidationError) StatusCode() int {
	return http.StatusBadRequest
}

type NotFoundError string

func (err NotFoundError) Error() string {
	return string(err)
}

func (err NotFoundError) ErrCode() string {
	return "NOT_FOUND_ERROR"
}

func (err NotFoundError) StatusCode() int {
	return http.StatusNotFound
}
