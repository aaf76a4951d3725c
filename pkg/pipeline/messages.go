package pipeline

import (
	"context"
	"errors"

	errs "tikfetch/pkg/errors"
)

// MessageKey names the user-facing message for an outcome. Frontends map
// keys to localized text.
type MessageKey string

const (
	MessageNone       MessageKey = ""
	MessageLinkError  MessageKey = "link_error"
	MessageQueueFull  MessageKey = "error_queue_full"
	MessageDeleted    MessageKey = "error_deleted"
	MessagePrivate    MessageKey = "error_private"
	MessageRegion     MessageKey = "error_region"
	MessageTooLong    MessageKey = "error_too_long"
	MessageRetryLater MessageKey = "error_retry_later"
	MessageError      MessageKey = "error"
)

// KeyFor maps a failure to its message key
func KeyFor(err error) MessageKey {
	if err == nil {
		return MessageNone
	}
	if errors.Is(err, context.Canceled) {
		return MessageError
	}

	t, ok := errs.TypeOf(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return MessageRetryLater
		}
		return MessageError
	}

	switch t {
	case errs.ErrorTypeDeleted:
		return MessageDeleted
	case errs.ErrorTypePrivate:
		return MessagePrivate
	case errs.ErrorTypeRegionBlocked:
		return MessageRegion
	case errs.ErrorTypeTooLong:
		return MessageTooLong
	case errs.ErrorTypeRateLimit, errs.ErrorTypeNetwork, errs.ErrorTypeTimeout, errs.ErrorTypeExtraction:
		return MessageRetryLater
	default:
		return MessageError
	}
}
