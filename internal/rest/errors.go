package rest

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// ClientError is a non-401 4xx; never retried.
	ClientError ErrorKind = iota
	// ServerTransient is a 5xx or transport failure; the caller may retry.
	ServerTransient
	// Unauthorized is a 401 that survived one forced refresh.
	Unauthorized
	// MissingOrderID means an order mutation succeeded without telling us the id.
	MissingOrderID
)

func (k ErrorKind) String() string {
	switch k {
	case ClientError:
		return "client_error"
	case ServerTransient:
		return "server_transient"
	case Unauthorized:
		return "unauthorized"
	case MissingOrderID:
		return "missing_order_id"
	}
	return fmt.Sprintf("api_error(%d)", int(k))
}

// APIError is what every endpoint returns for a non-2xx outcome.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api %s", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether a caller-directed retry may succeed.
func Retryable(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == ServerTransient
}

// IsKind reports whether err is an APIError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == k
}
