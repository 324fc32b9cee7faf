package controlplane

import "errors"

var (
	// ErrForbidden means the policy engine denied the operation.
	ErrForbidden = errors.New("operation denied by policy")

	// ErrUnauthorized means the request carried no valid API token.
	ErrUnauthorized = errors.New("missing or invalid API token")
)
