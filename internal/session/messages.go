package session

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/andresmejia3/labscan/internal/api"
)

const (
	MsgPrecondition = "This borrowing is not in a state that can be processed here. Please check with the lab admin."
	MsgNotFound     = "QR code not recognised. Make sure you are showing a valid borrowing code."
	MsgServerFault  = "The server ran into a problem. Please try again in a moment."
	MsgExpired      = "This QR code has expired. Please create a new borrowing request."
	MsgMalformed    = "The server sent an unexpected response. Please try again."
	MsgUnreachable  = "Could not reach the server. Check the connection and try again."
	MsgExhausted    = "All requested equipment is out of stock."
)

// FriendlyMessage maps a failed scan to the copy shown on the kiosk.
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		// An expired code wins over whatever status the backend chose for it.
		switch {
		case containsAny(strings.ToLower(apiErr.Message), expiredWords...):
			return MsgExpired
		case apiErr.NotFound():
			return MsgNotFound
		case apiErr.ServerFault():
			return MsgServerFault
		}
	}
	if errors.Is(err, api.ErrMalformedResponse) {
		return MsgMalformed
	}
	// Transport errors embed the request URL, which must not be matched below.
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return MsgUnreachable
	}

	raw := strings.ToLower(err.Error())
	switch {
	case containsAny(raw, expiredWords...):
		return MsgExpired
	case containsAny(raw, "not found", "tidak ditemukan"):
		return MsgNotFound
	case strings.Contains(raw, "status"):
		return MsgPrecondition
	case containsAny(raw, "internal server error", "server error", "500"):
		return MsgServerFault
	}
	return MsgUnreachable
}

var expiredWords = []string{"expired", "kadaluarsa", "kedaluwarsa"}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
