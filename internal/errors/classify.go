package errors

// Category groups service error codes.
type Category string

const (
	CategoryClient     Category = "client"
	CategoryAuth       Category = "auth"
	CategoryToken      Category = "token"
	CategoryForbidden  Category = "forbidden"
	CategoryNotFound   Category = "not_found"
	CategoryTimeout    Category = "timeout"
	CategoryRateLimit  Category = "rate_limit"
	CategoryServer     Category = "server"
	CategoryConnection Category = "connection"
	CategoryChannel    Category = "channel"
	CategoryUnknown    Category = "unknown"
)

// CategoryOf returns the category of code. Unregistered codes are
// categorised by their numeric range.
func CategoryOf(code int) Category {
	if t, ok := registry[code]; ok {
		return t.Category
	}
	switch {
	case IsTokenError(code):
		return CategoryToken
	case code >= 40100 && code < 40200:
		return CategoryAuth
	case code >= 40300 && code < 40400:
		return CategoryForbidden
	case code >= 40400 && code < 40500:
		return CategoryNotFound
	case code >= 40800 && code < 40900:
		return CategoryTimeout
	case code >= 42900 && code < 43000:
		return CategoryRateLimit
	case code >= 40000 && code < 50000:
		return CategoryClient
	case code >= 50000 && code < 60000:
		return CategoryServer
	case code >= 80000 && code < 90000:
		return CategoryConnection
	case code >= 90000 && code < 100000:
		return CategoryChannel
	default:
		return CategoryUnknown
	}
}

// IsTokenError reports whether code signals a token problem that a fresh
// token can cure (40140-40149).
func IsTokenError(code int) bool {
	return code >= 40140 && code < 40150
}

// IsFatal reports whether an error with the given code and HTTP-like
// status terminates its scope. Client (4xx) errors are fatal except token
// errors, timeouts and rate limiting. Server (5xx) codes are not fatal, and
// among connection codes only 80000 is: a failed token request (80019) is
// retried.
func IsFatal(code, statusCode int) bool {
	if code == 0 {
		return statusCode >= 400 && statusCode < 500 && statusCode != 408 && statusCode != 429
	}
	if IsTokenError(code) {
		return false
	}
	switch CategoryOf(code) {
	case CategoryClient, CategoryAuth, CategoryForbidden, CategoryNotFound:
		return true
	case CategoryConnection:
		return code == 80000
	case CategoryChannel:
		return code != 90007 && code != 91005
	default:
		return false
	}
}

// IsRetryable reports whether reconnecting after this error is expected
// to succeed eventually.
func IsRetryable(code, statusCode int) bool {
	if IsTokenError(code) {
		return true
	}
	return !IsFatal(code, statusCode)
}
