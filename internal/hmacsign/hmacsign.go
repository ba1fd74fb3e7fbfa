// Package hmacsign signs and verifies requests to the Operation Service
// using HMAC-SHA256, grounded on the prototype's common/hmac.py message
// layout: "{timestamp}\n{METHOD}\n{path}\n{body}", base64-encoded.
package hmacsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"
)

// buildMessage reproduces build_message from the prototype exactly,
// including the newline-joined field order and uppercased method.
func buildMessage(timestamp, method, path string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+len(method)+len(path)+len(body)+3)
	msg = append(msg, timestamp...)
	msg = append(msg, '\n')
	msg = append(msg, []byte(upper(method))...)
	msg = append(msg, '\n')
	msg = append(msg, path...)
	msg = append(msg, '\n')
	msg = append(msg, body...)
	return msg
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// Sign computes the signature and timestamp headers and sets them on req.
func Sign(req *http.Request, secret, sigHeader, tsHeader string, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := Compute(secret, ts, req.Method, req.URL.Path, body)
	req.Header.Set(sigHeader, sig)
	req.Header.Set(tsHeader, ts)
}

// Compute returns the base64-encoded HMAC-SHA256 signature for a request.
func Compute(secret, timestamp, method, path string, body []byte) string {
	msg := buildMessage(timestamp, method, path, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time, and rejects requests whose
// timestamp is older than maxSkew to bound replay exposure.
func Verify(secret, timestamp, method, path string, body []byte, signature string, maxSkew time.Duration) bool {
	if maxSkew > 0 {
		sec, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return false
		}
		age := time.Since(time.Unix(sec, 0))
		if age < 0 {
			age = -age
		}
		if age > maxSkew {
			return false
		}
	}
	expected := Compute(secret, timestamp, method, path, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
