package pipeline

import "math"

// estimateTokens applies the gateway's fixed heuristic: the ceiling of the
// serialized-messages byte length divided by four. It is used only for
// admission, never for accounting — actual usage always comes from the
// upstream response (or, for streams, from StreamForwarder's best-effort
// extraction).
func estimateTokens(messagesJSON []byte) int64 {
	if len(messagesJSON) == 0 {
		return 0
	}
	return int64(math.Ceil(float64(len(messagesJSON)) / 4.0))
}
