package state

import "errors"

var (
	// ErrStoreClosed is returned when a store is used after Close.
	ErrStoreClosed = errors.New("state: store closed")

	// ErrTxnClosed is returned when a Txn is used outside its transaction.
	ErrTxnClosed = errors.New("state: transaction already finished")
)
