// Package errclass classifies errors into recoverable network faults and
// everything else. Recoverable faults are logged and retried; they never
// trigger process shutdown.
package errclass

import "strings"

// recoverableCodes are transport-level failure codes that indicate a
// transient peer or network problem.
var recoverableCodes = []string{
	"ECONNRESET",
	"EPIPE",
	"ETIMEDOUT",
	"ESOCKET",
	"ECONNABORTED",
	"EHOSTUNREACH",
	"ECONNREFUSED",
	"ENOTFOUND",
	"EAI_AGAIN",
	"ERR_STREAM_PREMATURE_CLOSE",
}

// recoverableMessages are substrings of error text produced by clients that
// speak the wrong protocol (HTTPS against the SMTP port, ancient TLS) or
// disconnect mid-session.
var recoverableMessages = []string{
	"unknown protocol",
	"wrong version number",
	"tlsv1 alert",
	"read ETIMEDOUT",
	"socket hang up",
	"Client network socket disconnected",
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"connection refused",
	"no such host",
	"use of closed network connection",
	"EOF",
}

// Recoverable reports whether err is a transient network fault.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, code := range recoverableCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	for _, sub := range recoverableMessages {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
