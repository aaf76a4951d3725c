// Package pipeline turns a user's message into delivered media.
//
// An Orchestrator resolves the link, admits the request through the
// per-user queue, extracts it with retries, downloads slideshow images in
// batches through the worker pool and hands everything to a Sink. Every
// request gets an xid request id and ends in an Outcome whose MessageKey
// tells a frontend what to say.
package pipeline
