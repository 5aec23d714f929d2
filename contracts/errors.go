package contracts

import "errors"

var (
	// Configuration errors, raised synchronously
	ErrMissingConfiguration = errors.New("xbus: missing required configuration")
	ErrDuplicateTypeName    = errors.New("xbus: duplicate message type name")
	ErrConsumerExists       = errors.New("xbus: consumer already exists")
	ErrInvalidRegistration  = errors.New("xbus: invalid handler registration")

	// Connection state errors
	ErrNotConnected     = errors.New("xbus: connection is not established")
	ErrAlreadyConnected = errors.New("xbus: connection already established")

	// Message errors
	ErrNilMessage        = errors.New("xbus: message cannot be nil")
	ErrUnknownType       = errors.New("xbus: message type is not registered")
	ErrInvalidMessage    = errors.New("xbus: message failed validation")
	ErrUnexpectedMessage = errors.New("xbus: unexpected message type")
	ErrNoReplyChannel    = errors.New("xbus: channel does not support replies")

	// RPC errors
	ErrRequestTimeout = errors.New("xbus: rpc request timed out")
)
