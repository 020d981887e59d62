// Package errors catalogs the numeric error codes reported by the realtime
// service.
//
// Every ErrorInfo carried on the wire has a five digit code whose leading
// three digits mirror an HTTP status (40140 is a 401 token error, 50003 a
// 500 timeout). The catalog maps codes to a Category and a default message
// and answers the classification questions the state machines ask:
//
//   - IsFatal: does this error terminate its scope (connection or channel)?
//   - IsTokenError: can it be cured by obtaining a new token?
//   - IsRetryable: is a reconnect expected to succeed later?
//
// # Usage
//
//	tmpl, ok := errors.Lookup(40142)
//	// tmpl.Message == "Token expired"
//
//	if errors.IsTokenError(info.Code) && canRenew {
//	    // renew and reconnect
//	} else if errors.IsFatal(info.Code, info.StatusCode) {
//	    // transition to Failed
//	}
package errors
