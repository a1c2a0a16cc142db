package core

import "errors"

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidArgument indicates the exchange rejected a request parameter.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidSymbol indicates the symbol is unknown to the exchange.
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
)
