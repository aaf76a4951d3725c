// Package cache wraps ristretto with singleflight loading. It backs the
// short-link expansion cache so a popular link is resolved once.
package cache
