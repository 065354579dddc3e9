// Package ident generates external identifiers: prefixed reference keys and
// human-readable refund numbers. Reference keys are uuid-backed so concurrent
// requests from the same operator can never collide.
package ident

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed unique identifier, e.g. "txn-1b4e28ba-...".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// RefundNumber builds the human-readable refund identifier printed on credit
// slips: prefix, millisecond timestamp, originating transaction id.
func RefundNumber(transactionID int64) string {
	return fmt.Sprintf("RF-%d-%d", time.Now().UTC().UnixMilli(), transactionID)
}
