package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"testing"

	"github.com/andresmejia3/labscan/internal/api"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name      string
		lines     []api.DetailLine
		exhausted []string
		want      []string
	}{
		{
			name:  "same name folds quantities",
			lines: []api.DetailLine{{Name: "Multimeter", Quantity: 1}, {Name: "Multimeter", Quantity: 2}},
			want:  []string{"Multimeter (3x)"},
		},
		{
			name:  "single item has no suffix",
			lines: []api.DetailLine{{Name: "Oscilloscope", Quantity: 1}},
			want:  []string{"Oscilloscope"},
		},
		{
			name:  "missing quantity counts as one",
			lines: []api.DetailLine{{Name: "Logic Analyzer"}, {Name: "Logic Analyzer"}},
			want:  []string{"Logic Analyzer (2x)"},
		},
		{
			name: "first seen order",
			lines: []api.DetailLine{
				{Name: "Breadboard", Quantity: 1},
				{Name: "Multimeter", Quantity: 1},
				{Name: "Breadboard", Quantity: 4},
			},
			want: []string{"Breadboard (5x)", "Multimeter"},
		},
		{
			name:      "exhausted appended in order",
			lines:     []api.DetailLine{{Name: "Multimeter", Quantity: 2}},
			exhausted: []string{"Oscilloscope", "Function Generator"},
			want:      []string{"Multimeter (2x)", "Oscilloscope (out of stock)", "Function Generator (out of stock)"},
		},
		{
			name: "empty",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &Transaction{Items: Aggregate(tt.lines, tt.exhausted)}
			if got := tx.Labels(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Aggregate() labels = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFriendlyMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"404", &api.Error{Status: 404, Message: "whatever"}, MsgNotFound},
		{"503", &api.Error{Status: 503, Message: "upstream"}, MsgServerFault},
		{"malformed", fmt.Errorf("%w: missing data.mhsId", api.ErrMalformedResponse), MsgMalformed},
		{"expired", &api.Error{Status: 400, Message: "QR sudah kadaluarsa"}, MsgExpired},
		{"expired english", errors.New("API request failed: code Expired"), MsgExpired},
		{"expired behind 404", &api.Error{Status: 404, Message: "QR code expired"}, MsgExpired},
		{"expired behind 500", &api.Error{Status: 500, Message: "Token kedaluwarsa"}, MsgExpired},
		{"not found text", &api.Error{Status: 200, Message: "Peminjaman tidak ditemukan"}, MsgNotFound},
		{"precondition", &api.Error{Status: 400, Message: "Status peminjaman bukan Disetujui"}, MsgPrecondition},
		{"server text", errors.New("API request failed: Internal Server Error"), MsgServerFault},
		{"transport", &url.Error{Op: "Post", URL: "http://x/api/borrowing/scan-qr/status-500", Err: errors.New("connection refused")}, MsgUnreachable},
		{"timeout", fmt.Errorf("API request failed: %w", context.DeadlineExceeded), MsgUnreachable},
		{"unknown", errors.New("something odd"), MsgUnreachable},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FriendlyMessage(tt.err); got != tt.want {
				t.Errorf("FriendlyMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLineItemLabel(t *testing.T) {
	if got := (LineItem{Name: "Logic Analyzer", Quantity: 3, OutOfStock: true}).Label(); got != "Logic Analyzer (out of stock)" {
		t.Errorf("Out of stock marker should win, got %q", got)
	}
}

func TestVerifiedBy(t *testing.T) {
	if got := verifiedBy("Desktop", "kiosk01"); got != "Desktop-kiosk01" {
		t.Errorf("got %q", got)
	}
	if got := verifiedBy("", ""); got != "Desktop" {
		t.Errorf("got %q", got)
	}
	if got := verifiedBy("Desktop", "a-very-long-username-for-the-lab-kiosk"); len(got) != 30 {
		t.Errorf("Expected truncation to 30 chars, got %q (%d)", got, len(got))
	}
}
