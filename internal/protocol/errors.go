package protocol

import (
	"github.com/pkg/errors"

	"voxelshard.ai/internal/encoding"
)

// ErrMalformedPacket is the root of every error that makes a packet (or its remaining
// records) unusable.
var ErrMalformedPacket = errors.New("protocol: malformed packet")

var (
	ErrTruncatedHeader = errors.Wrap(ErrMalformedPacket, "truncated header")
	ErrUnknownType     = errors.Wrap(ErrMalformedPacket, "unknown packet type")
	ErrBadVersion      = errors.Wrap(ErrMalformedPacket, "version mismatch")
)

// Drop reasons, used as log fields and metric labels.
const (
	ReasonTruncatedHeader = "truncated_header"
	ReasonUnknownType     = "unknown_type"
	ReasonBadVersion      = "bad_version"
	ReasonTruncatedRecord = "truncated_record"
	ReasonPathTooDeep     = "path_too_deep"
	ReasonOutOfRegion     = "out_of_jurisdiction"
	ReasonQueueFull       = "queue_full"
	ReasonMalformed       = "malformed"
)

var knownReasons = map[string]struct{}{
	ReasonTruncatedHeader: {},
	ReasonUnknownType:     {},
	ReasonBadVersion:      {},
	ReasonTruncatedRecord: {},
	ReasonPathTooDeep:     {},
	ReasonOutOfRegion:     {},
	ReasonQueueFull:       {},
	ReasonMalformed:       {},
}

func IsKnownReason(r string) bool {
	_, ok := knownReasons[r]
	return ok
}

// Reason maps an error from packet handling to its drop reason. It returns "" for nil.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTruncatedHeader):
		return ReasonTruncatedHeader
	case errors.Is(err, ErrUnknownType):
		return ReasonUnknownType
	case errors.Is(err, ErrBadVersion):
		return ReasonBadVersion
	case errors.Is(err, encoding.ErrTruncated):
		return ReasonTruncatedRecord
	case errors.Is(err, encoding.ErrPathTooDeep):
		return ReasonPathTooDeep
	default:
		return ReasonMalformed
	}
}
