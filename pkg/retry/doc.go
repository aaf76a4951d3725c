// Package retry runs an operation a bounded number of times.
//
// Every attempt can carry its own deadline (Config.AttemptTimeout). An
// attempt that overruns is reported as an errors.ErrorTypeTimeout failure
// without waiting for it; whatever it eventually returns is handed to
// Config.OnAbandoned so resources it produced can be released.
//
// Classified errors from tikfetch/pkg/errors drive the loop: permanent
// types stop immediately, transient types are retried after the backoff
// delay. When all attempts fail the last error is returned wrapped in an
// ExhaustedError; if that last failure was a timeout it is reported as a
// network error instead.
//
//	media, err := retry.DoWithResult(ctx, func(ctx context.Context) (*Media, error) {
//		return client.Extract(ctx, link)
//	}, &retry.Config{
//		MaxAttempts:    3,
//		AttemptTimeout: 10 * time.Second,
//		Backoff:        &retry.ConstantBackoff{Delay: 500 * time.Millisecond},
//	})
package retry
