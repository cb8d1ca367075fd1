package gateway

import "errors"

var (
	// ErrGatewayNotStopped is returned by Start on a started gateway.
	ErrGatewayNotStopped = errors.New("gateway already started")

	// ErrGatewayNotRunning is returned by Stop on a gateway that is not
	// serving.
	ErrGatewayNotRunning = errors.New("gateway not running")

	ErrNilConfig     = errors.New("nil gateway configuration")
	ErrInvalidConfig = errors.New("invalid gateway configuration")

	// ErrMalformedPath rejects paths outside /api/{version}/{service}/...
	ErrMalformedPath = errors.New("malformed API path")

	// errNoRetryTarget ends the retry loop once every healthy instance
	// has failed.
	errNoRetryTarget = errors.New("no untried instance left")
)
