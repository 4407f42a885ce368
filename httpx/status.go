package httpx

import "strconv"

// Status codes the engine emits itself. Anything else is passed through
// numerically.
const (
	StatusSwitchingProtocols = 101
	StatusOK                 = 200
	StatusBadRequest         = 400
	StatusForbidden          = 403
	StatusNotFound           = 404
	StatusRangeNotSatisfied  = 416
	StatusInternalError      = 500
)

var statusText = map[int]string{
	StatusSwitchingProtocols: "Switching Protocols",
	StatusOK:                 "OK",
	204:                      "No Content",
	301:                      "Moved Permanently",
	302:                      "Found",
	304:                      "Not Modified",
	StatusBadRequest:         "Bad Request",
	401:                      "Unauthorized",
	StatusForbidden:          "Forbidden",
	StatusNotFound:           "Not Found",
	405:                      "Method Not Allowed",
	StatusRangeNotSatisfied:  "Range Not Satisfiable",
	StatusInternalError:      "Internal Server Error",
	502:                      "Bad Gateway",
	503:                      "Service Unavailable",
}

// StatusText returns the reason phrase for code, or its decimal form
// when unknown.
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return strconv.Itoa(code)
}
