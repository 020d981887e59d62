package errors

import "sort"

// Template describes a registered service error code.
type Template struct {
	Category   Category
	StatusCode int
	Message    string
}

// HrefBase is the documentation root for service error codes.
const HrefBase = "https://help.ably.io/error/"

// registry maps error codes to their templates.
var registry = map[int]Template{
	// ============================================
	// Client errors (400xx)
	// ============================================
	40000: {CategoryClient, 400, "Bad request"},
	40001: {CategoryClient, 400, "Invalid request body"},
	40002: {CategoryClient, 400, "Invalid parameter name"},
	40003: {CategoryClient, 400, "Invalid parameter value"},
	40004: {CategoryClient, 400, "Invalid header"},
	40005: {CategoryClient, 400, "Invalid credential"},
	40006: {CategoryClient, 400, "Invalid connection id"},
	40007: {CategoryClient, 400, "Invalid message id"},
	40008: {CategoryClient, 400, "Invalid content length"},
	40009: {CategoryClient, 400, "Maximum message length exceeded"},
	40010: {CategoryClient, 400, "Invalid channel name"},
	40012: {CategoryClient, 400, "Incompatible clientId"},
	40013: {CategoryClient, 400, "Invalid message data or encoding"},

	// ============================================
	// Authentication errors (401xx)
	// ============================================
	40100: {CategoryAuth, 401, "Unauthorized"},
	40101: {CategoryAuth, 401, "Invalid credentials"},
	40102: {CategoryAuth, 401, "Incompatible credentials"},
	40103: {CategoryAuth, 401, "Invalid use of Basic auth over non-TLS transport"},
	40104: {CategoryAuth, 401, "Timestamp not current"},
	40105: {CategoryAuth, 401, "Nonce value replayed"},
	40140: {CategoryToken, 401, "Token error"},
	40141: {CategoryToken, 401, "Token revoked"},
	40142: {CategoryToken, 401, "Token expired"},
	40143: {CategoryToken, 401, "Token unrecognised"},
	40144: {CategoryToken, 401, "Invalid JWT format"},
	40160: {CategoryAuth, 401, "Action not permitted by capability"},
	40170: {CategoryAuth, 401, "Error from client token callback"},
	40171: {CategoryAuth, 401, "No means provided to renew auth token"},

	// ============================================
	// Authorization errors (403xx)
	// ============================================
	40300: {CategoryForbidden, 403, "Forbidden"},
	40301: {CategoryForbidden, 403, "Account disabled"},
	40302: {CategoryForbidden, 403, "Account restricted (connection limits exceeded)"},
	40303: {CategoryForbidden, 403, "Account restricted (message limits exceeded)"},
	40304: {CategoryForbidden, 403, "Account restricted (connection rate exceeded)"},
	40305: {CategoryForbidden, 403, "Account blocked"},
	40311: {CategoryForbidden, 403, "Operation requires TLS"},

	// ============================================
	// Not found / method / timeout (404xx-408xx)
	// ============================================
	40400: {CategoryNotFound, 404, "Not found"},
	40500: {CategoryClient, 405, "Method not allowed"},
	40800: {CategoryTimeout, 408, "Request timeout"},
	40801: {CategoryTimeout, 408, "Connection timeout"},

	// ============================================
	// Rate limiting (429xx)
	// ============================================
	42910: {CategoryRateLimit, 429, "Rate limit exceeded; request rejected"},
	42911: {CategoryRateLimit, 429, "Max per-connection publish rate limit exceeded"},

	// ============================================
	// Server errors (500xx-504xx)
	// ============================================
	50000: {CategoryServer, 500, "Internal error"},
	50001: {CategoryServer, 500, "Internal channel error"},
	50002: {CategoryServer, 500, "Internal connection error"},
	50003: {CategoryServer, 500, "Timeout error"},
	50004: {CategoryServer, 500, "Request failed due to overloaded instance"},
	50310: {CategoryServer, 503, "Service temporarily unavailable"},

	// ============================================
	// Connection errors (800xx)
	// ============================================
	80000: {CategoryConnection, 400, "Connection failed"},
	80002: {CategoryConnection, 400, "Connection suspended"},
	80003: {CategoryConnection, 400, "Connection disconnected"},
	80008: {CategoryConnection, 400, "Unable to recover connection"},
	80013: {CategoryConnection, 400, "Protocol error"},
	80014: {CategoryConnection, 400, "Connection timed out"},
	80017: {CategoryConnection, 400, "Connection closed"},
	80018: {CategoryConnection, 400, "Invalid connection id (invalid format)"},
	80019: {CategoryConnection, 401, "Auth configured provider failure"},
	80021: {CategoryConnection, 400, "Exceeded maximum permitted account-wide rate of creating new connections"},

	// ============================================
	// Channel errors (900xx)
	// ============================================
	90000: {CategoryChannel, 400, "Channel operation failed"},
	90001: {CategoryChannel, 400, "Channel operation failed (invalid channel state)"},
	90003: {CategoryChannel, 400, "Unable to recover channel (messages expired)"},
	90004: {CategoryChannel, 400, "Unable to recover channel (message limit exceeded)"},
	90005: {CategoryChannel, 400, "Unable to recover channel (no matching epoch)"},
	90007: {CategoryChannel, 408, "Channel attach timed out"},
	91000: {CategoryChannel, 400, "Unable to enter presence channel (no clientId)"},
	91004: {CategoryChannel, 400, "Unable to enter presence channel (invalid channel state)"},
	91005: {CategoryChannel, 400, "Presence state is out of sync"},
}

// Lookup returns the template registered for code.
func Lookup(code int) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}

// Message returns the registered message for code, or an empty string.
func Message(code int) string {
	return registry[code].Message
}

// Href returns the documentation link for code.
func Href(code int) string {
	if code <= 0 {
		return ""
	}
	return HrefBase + itoa(code)
}

// Codes returns all registered codes in ascending order.
func Codes() []int {
	codes := make([]int, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// Register adds or replaces a code template.
// This is intended for codes introduced by newer service versions.
func Register(code int, t Template) {
	registry[code] = t
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
