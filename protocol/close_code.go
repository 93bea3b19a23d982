package protocol

// SanitizeCloseCode maps an arbitrary close code observed on one socket to a
// code that is legal to send on the opposite socket.
//
// RFC 6455 reserves 1004-1006 and 1015 and forbids sending several codes in
// the 1xxx range on the wire; application codes start at 3000. Only normal
// closure (1000) and application codes pass through unchanged, everything
// else collapses to 1000.
func SanitizeCloseCode(code int) int {
	if code == 1000 || code >= 3000 {
		return code
	}
	return 1000
}
