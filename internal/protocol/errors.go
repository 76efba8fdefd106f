package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Session setup.
	ErrAuthFailed  = "E_AUTH_FAILED"
	ErrAuthTimeout = "E_AUTH_TIMEOUT"

	// Streaming.
	ErrRegionTooLarge = "E_REGION_TOO_LARGE"
	ErrUnknownBlock   = "E_UNKNOWN_BLOCK"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrAuthFailed:      {},
	ErrAuthTimeout:     {},
	ErrRegionTooLarge:  {},
	ErrUnknownBlock:    {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
