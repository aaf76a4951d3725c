// Package ratelimit throttles outbound requests to the video provider.
//
// TokenBucket guards the metadata endpoint with a single shared budget.
// HostLimiter keeps an independent bucket per media host so downloads from
// one CDN edge do not starve requests to another.
//
//	limiter := ratelimit.NewTokenBucket(5, 10)
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
package ratelimit
