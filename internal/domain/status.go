package domain

// TransactionStatus is the lifecycle state of a transaction. Transitions only
// move forward; the refund path is the single route out of completed.
type TransactionStatus string

const (
	TxStatusPending           TransactionStatus = "pending"
	TxStatusCompleted         TransactionStatus = "completed"
	TxStatusCancelled         TransactionStatus = "cancelled"
	TxStatusFailed            TransactionStatus = "failed"
	TxStatusRefunded          TransactionStatus = "refunded"
	TxStatusPartiallyRefunded TransactionStatus = "partially_refunded"
)

func (s TransactionStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

var statusTransitions = map[TransactionStatus][]TransactionStatus{
	TxStatusPending:           {TxStatusCompleted, TxStatusCancelled, TxStatusFailed},
	TxStatusCompleted:         {TxStatusRefunded, TxStatusPartiallyRefunded},
	TxStatusPartiallyRefunded: {TxStatusRefunded, TxStatusPartiallyRefunded},
	TxStatusCancelled:         {},
	TxStatusFailed:            {},
	TxStatusRefunded:          {},
}

// CanTransition reports whether moving from one status to another is
// structurally legal. It does not care why the transition is attempted.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
