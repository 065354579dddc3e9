// Package apperr defines the closed error taxonomy of the transaction core.
// Every failure crossing a component boundary is one of these kinds with a
// stable code and the offending identifiers; raw storage errors never leak.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindNotFound: the referenced entity does not exist. Surfaced to the
	// caller, never retried internally.
	KindNotFound Kind = iota + 1
	// KindValidation: the request is inconsistent with current state.
	// Surfaced immediately, never retried.
	KindValidation
	// KindDegraded: a best-effort side call failed. Logged and swallowed.
	KindDegraded
	// KindSystem: the underlying store failed. Surfaced generically.
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindDegraded:
		return "degraded"
	case KindSystem:
		return "system"
	}
	return "unknown"
}

type Code string

const (
	CodeStoreNotFound            Code = "store_not_found"
	CodeUserNotFound             Code = "user_not_found"
	CodeCustomerNotFound         Code = "customer_not_found"
	CodeProductNotFound          Code = "product_not_found"
	CodeTransactionNotFound      Code = "transaction_not_found"
	CodeTransactionItemNotFound  Code = "transaction_item_not_found"
	CodeInsufficientStock        Code = "insufficient_stock"
	CodeInvalidPaymentAmount     Code = "invalid_payment_amount"
	CodeInvalidRefundAmount      Code = "invalid_refund_amount"
	CodeInvalidTransactionStatus Code = "invalid_transaction_status"
	CodeInvalidInput             Code = "invalid_input"
	CodeLoyaltyDegraded          Code = "loyalty_degraded"
	CodeStorage                  Code = "storage_failure"
)

type Error struct {
	Kind    Kind
	Code    Code
	Message string
	// EntityID identifies the offending entity where one exists, e.g. the
	// product that lacked stock.
	EntityID string
	cause    error
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s (id=%s)", e.Code, e.Message, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets callers match on code with a bare &Error{Code: ...} target.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newf(kind Kind, code Code, entityID string, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, EntityID: entityID, Message: fmt.Sprintf(format, args...)}
}

func StoreNotFound(id int64) *Error {
	return newf(KindNotFound, CodeStoreNotFound, fmt.Sprint(id), "store %d does not exist", id)
}

func UserNotFound(id int64) *Error {
	return newf(KindNotFound, CodeUserNotFound, fmt.Sprint(id), "user %d does not exist", id)
}

func CustomerNotFound(id int64) *Error {
	return newf(KindNotFound, CodeCustomerNotFound, fmt.Sprint(id), "customer %d does not exist", id)
}

func ProductNotFound(id int64) *Error {
	return newf(KindNotFound, CodeProductNotFound, fmt.Sprint(id), "product %d does not exist", id)
}

func TransactionNotFound(id int64) *Error {
	return newf(KindNotFound, CodeTransactionNotFound, fmt.Sprint(id), "transaction %d does not exist", id)
}

func TransactionItemNotFound(id int64) *Error {
	return newf(KindNotFound, CodeTransactionItemNotFound, fmt.Sprint(id), "transaction item %d does not exist", id)
}

func InsufficientStock(productID int64, requested, available int) *Error {
	return newf(KindValidation, CodeInsufficientStock, fmt.Sprint(productID),
		"product %d has %d in stock, %d requested", productID, available, requested)
}

func InvalidPaymentAmount(format string, args ...any) *Error {
	return newf(KindValidation, CodeInvalidPaymentAmount, "", format, args...)
}

func InvalidRefundAmount(format string, args ...any) *Error {
	return newf(KindValidation, CodeInvalidRefundAmount, "", format, args...)
}

func InvalidTransactionStatus(from, to string) *Error {
	return newf(KindValidation, CodeInvalidTransactionStatus, "",
		"transition %s -> %s is not allowed", from, to)
}

func InvalidInput(format string, args ...any) *Error {
	return newf(KindValidation, CodeInvalidInput, "", format, args...)
}

func LoyaltyDegraded(cause error) *Error {
	e := newf(KindDegraded, CodeLoyaltyDegraded, "", "loyalty accrual unavailable")
	e.cause = cause
	return e
}

// System wraps a storage failure. The wrapped cause stays available for
// logging but the message never exposes it to callers.
func System(cause error) *Error {
	e := newf(KindSystem, CodeStorage, "", "storage operation failed")
	e.cause = cause
	return e
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// CodeOf extracts the code from err, or empty when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
