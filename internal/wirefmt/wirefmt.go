// Package wirefmt formats the small set of wire-level artifacts the core
// orchestration package needs for the response side of HTTP/1.1: status
// reason phrases and Set-Cookie field encoding. Grounded on
// original_source/src/Response.cc's HttpStatusStrings table and
// CookieDate/SetCookie helpers.
package wirefmt

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ReasonPhrase returns the standard reason phrase for code from the table
// below; codes outside it fall back to net/http's StatusText, which is ""
// for codes net/http does not know either.
func ReasonPhrase(code int) string {
	if phrase, ok := statusText[code]; ok {
		return phrase
	}
	return http.StatusText(code)
}

var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	203: "Non-Authoritative Information",
	204: "No Content",
	205: "Reset Content",
	206: "Partial Content",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	305: "Use Proxy",
	307: "Temporary Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	402: "Payment Required",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	412: "Precondition Failed",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	416: "Range Not Satisfiable",
	417: "Expectation Failed",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// CookieDate formats t as the GMT, RFC1123-ish timestamp used by the
// Expires attribute of a Set-Cookie field.
func CookieDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// CookieOptions carries the optional Set-Cookie attributes.
type CookieOptions struct {
	Domain   string
	Path     string
	MaxAge   *int
	Expires  *time.Time
	HTTPOnly bool
	Secure   bool
}

// SetCookie renders a full Set-Cookie field value for name=value with opts.
func SetCookie(name, value string, opts CookieOptions) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(value)

	if opts.Domain != "" {
		fmt.Fprintf(&b, "; Domain=%s", opts.Domain)
	}
	if opts.Path != "" {
		fmt.Fprintf(&b, "; Path=%s", opts.Path)
	}
	if opts.MaxAge != nil {
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(*opts.MaxAge))
	}
	if opts.Expires != nil {
		fmt.Fprintf(&b, "; Expires=%s", CookieDate(*opts.Expires))
	}
	if opts.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	if opts.Secure {
		b.WriteString("; Secure")
	}

	return b.String()
}
