package subscription

import "errors"

var (
	// ErrGatewayUnavailable means the payment gateway call failed. The user
	// should try again later.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrNotPaid is the expected answer while the payment is not settled.
	ErrNotPaid = errors.New("payment is not settled")

	ErrNoPendingPayment = errors.New("no pending payment")

	// ErrProvisioning means the VPN account could not be created or enabled.
	// No days are credited when it is returned.
	ErrProvisioning = errors.New("access provisioning failed")

	ErrStaleDateFormat = errors.New("stored expiry has an unknown format")

	ErrUnknownPlan = errors.New("unknown plan")

	// ErrPlanMismatch means the confirmed plan differs from the one the
	// pending payment was created for, or from the amount actually paid.
	ErrPlanMismatch = errors.New("plan does not match the pending payment")

	// Returned by Provisioner implementations.
	ErrAccountNotFound = errors.New("vpn account not found")
	ErrAccountExists   = errors.New("vpn account already exists")
)
