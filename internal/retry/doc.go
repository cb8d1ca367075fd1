// Package retry provides bounded re-attempts with exponential backoff
// for forwarding requests to backend instances.
//
// A service configured with retries: N is tried at most N+1 times. Only
// transport failures are retried; a response from the backend, whatever
// its status, ends the loop.
//
// # Usage
//
//	err := retry.ForService(def).Do(ctx, func(n int) error {
//	    return forward(ctx, n)
//	}, retry.Hooks{Retryable: retry.IsTransient})
package retry
