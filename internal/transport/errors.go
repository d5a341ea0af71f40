package transport

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when the authority rejects the credential.
var ErrUnauthorized = errors.New("unauthorized")

// ClientError is a 4xx response other than 401: the request itself was
// rejected and repeating it cannot succeed.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("request rejected (%d): %s", e.Status, e.Message)
}

// ServerError is a 5xx response: a transient fault on the authority's side.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

// DecodeError means the request was answered but the response body could
// not be understood.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode response: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// ConnectivityError means the authority could not be reached at all.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string { return "connectivity: " + e.Err.Error() }

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Class is the failure category the reconciler acts on.
type Class int

const (
	ClassNone Class = iota
	ClassConnectivity
	ClassUnauthorized
	ClassClient
	ClassServer
	ClassDecode
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConnectivity:
		return "connectivity"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassClient:
		return "client"
	case ClassServer:
		return "server"
	case ClassDecode:
		return "decode"
	}
	return "other"
}

// Classify maps err onto the failure taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var (
		clientErr *ClientError
		serverErr *ServerError
		decodeErr *DecodeError
		connErr   *ConnectivityError
	)
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ClassUnauthorized
	case errors.As(err, &connErr):
		return ClassConnectivity
	case errors.As(err, &clientErr):
		return ClassClient
	case errors.As(err, &serverErr):
		return ClassServer
	case errors.As(err, &decodeErr):
		return ClassDecode
	}
	return ClassOther
}

// IsNotFound reports whether err is a 404 from the authority.
func IsNotFound(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr) && clientErr.Status == 404
}

// Message returns the human-readable part of err suitable for showing to
// the user.
func Message(err error) string {
	var (
		clientErr *ClientError
		serverErr *ServerError
	)
	switch {
	case errors.As(err, &clientErr):
		return clientErr.Message
	case errors.As(err, &serverErr):
		return serverErr.Message
	}
	return err.Error()
}
