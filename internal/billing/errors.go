package billing

import "errors"

var (
	// ErrInvoiceNotFound indicates the invoice id does not resolve.
	ErrInvoiceNotFound = errors.New("billing: invoice not found")
	// ErrCreditNotFound indicates the credit id does not resolve.
	ErrCreditNotFound = errors.New("billing: credit not found")
	// ErrWrongOwner indicates the record does not belong to the stated member.
	ErrWrongOwner = errors.New("billing: record does not belong to member")
	// ErrInvalidStatus indicates the invoice is in a state that rejects the operation.
	ErrInvalidStatus = errors.New("billing: invalid invoice status for operation")
	// ErrInvalidAmount indicates a non-positive or otherwise unusable amount.
	ErrInvalidAmount = errors.New("billing: amount must be positive")
	// ErrCreditVoided indicates a voided credit was offered for allocation.
	ErrCreditVoided = errors.New("billing: credit has been voided")
	// ErrCreditExhausted indicates the credit has no remaining balance.
	ErrCreditExhausted = errors.New("billing: credit has no remaining balance")
	// ErrNoBillableAssets indicates batch creation found nothing to invoice.
	ErrNoBillableAssets = errors.New("billing: no assigned billable assets")
	// ErrConflict indicates a concurrent modification; the operation was
	// already retried once and may be retried again by the caller.
	ErrConflict = errors.New("billing: concurrent modification, retry")
)
