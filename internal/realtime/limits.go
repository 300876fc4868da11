package realtime

// Hard limits for the websocket gateway. Unlike the tunables on
// GatewayConfig these are not configurable.
const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes), enforced at the send handler
	// boundary before the service sees the payload.
	maxContentChars = 4000
)
