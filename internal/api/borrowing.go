package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// StatusUpdate is the result of advancing a borrowing by its QR payload.
type StatusUpdate struct {
	TransactionID  string
	StudentID      string
	NewStatus      string
	AllExhausted   bool
	ExhaustedItems []string
	FailedItems    []string
	Message        string
}

// ScanDetail is the borrower and equipment list behind a QR payload.
type ScanDetail struct {
	StudentName string
	StudentID   string
	Lines       []DetailLine
}

// DetailLine is one equipment entry. Quantity is 0 when the backend omitted it.
type DetailLine struct {
	Name     string
	Quantity int
}

// UnmarshalJSON accepts nama_alat or EquipmentName and quantity in any casing.
// A line without a name is rejected.
func (l *DetailLine) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	var ok bool
	if l.Name, ok = flexString(field(obj, "nama_alat", "EquipmentName")); !ok || strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("equipment line has no name")
	}
	if q, ok := flexString(field(obj, "quantity")); ok {
		n, err := strconv.ParseFloat(q, 64)
		if err != nil {
			return fmt.Errorf("quantity %q is not a number", q)
		}
		l.Quantity = int(n)
	}
	return nil
}

// VerifyRequest is the final confirmation posted after a successful scan.
type VerifyRequest struct {
	IsQrVerified   bool   `json:"isQrVerified"`
	IsFaceVerified bool   `json:"isFaceVerified"`
	VerifiedBy     string `json:"verifiedBy"`
}

// UpdateStatus advances the borrowing identified by payload.
func (c *Client) UpdateStatus(ctx context.Context, payload string) (*StatusUpdate, error) {
	var env envelope
	if err := c.do(ctx, http.MethodPost, "/borrowing/scan-qr/"+url.PathEscape(payload), nil, &env); err != nil {
		return nil, err
	}
	data, err := env.unwrap()
	if err != nil {
		return nil, err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: data is not an object", ErrMalformedResponse)
	}

	su := &StatusUpdate{Message: env.Message}
	var ok bool
	if su.StudentID, ok = flexString(field(obj, "mhsId")); !ok {
		return nil, fmt.Errorf("%w: missing data.mhsId", ErrMalformedResponse)
	}
	su.TransactionID, _ = flexString(field(obj, "id"))
	if raw := field(obj, "semuaAlatHabis"); raw != nil {
		if err := json.Unmarshal(raw, &su.AllExhausted); err != nil {
			return nil, fmt.Errorf("%w: semuaAlatHabis: %v", ErrMalformedResponse, err)
		}
	}
	// An exhausted response carries only the borrower and the exhausted items.
	if su.NewStatus, ok = flexString(field(obj, "newStatus")); !ok && !su.AllExhausted {
		return nil, fmt.Errorf("%w: missing data.newStatus", ErrMalformedResponse)
	}
	su.ExhaustedItems = itemNames(field(obj, "alatHabisList"))
	su.FailedItems = itemNames(field(obj, "alatGagal"))
	return su, nil
}

// FetchDetail loads the borrower and line items for payload.
func (c *Client) FetchDetail(ctx context.Context, payload string) (*ScanDetail, error) {
	var env envelope
	if err := c.do(ctx, http.MethodGet, "/borrowing/scan-data/"+url.PathEscape(payload), nil, &env); err != nil {
		return nil, err
	}
	data, err := env.unwrap()
	if err != nil {
		return nil, err
	}

	var body struct {
		Mahasiswa *struct {
			Nama json.RawMessage `json:"nama"`
			Nim  json.RawMessage `json:"nim"`
		} `json:"mahasiswa"`
		Detail *[]DetailLine `json:"peminjaman_detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if body.Mahasiswa == nil {
		return nil, fmt.Errorf("%w: missing data.mahasiswa", ErrMalformedResponse)
	}
	if body.Detail == nil {
		return nil, fmt.Errorf("%w: missing data.peminjaman_detail", ErrMalformedResponse)
	}

	d := &ScanDetail{Lines: *body.Detail}
	name, hasName := flexString(body.Mahasiswa.Nama)
	nim, hasNim := flexString(body.Mahasiswa.Nim)
	if !hasName && !hasNim {
		return nil, fmt.Errorf("%w: data.mahasiswa has neither nama nor nim", ErrMalformedResponse)
	}
	d.StudentName, d.StudentID = name, nim
	return d, nil
}

// Confirm posts the final QR/face verification for a transaction.
func (c *Client) Confirm(ctx context.Context, transactionID string, req VerifyRequest) error {
	var env envelope
	if err := c.do(ctx, http.MethodPost, "/borrowing/verify/"+url.PathEscape(transactionID), req, &env); err != nil {
		return err
	}
	if env.Success != nil && !*env.Success {
		_, err := env.unwrap()
		return err
	}
	return nil
}

// field returns the first key matching one of names, ignoring case.
func field(obj map[string]json.RawMessage, names ...string) json.RawMessage {
	for _, name := range names {
		if v, ok := obj[name]; ok {
			return v
		}
	}
	for _, name := range names {
		for k, v := range obj {
			if strings.EqualFold(k, name) {
				return v
			}
		}
	}
	return nil
}

// flexString reads a JSON string or number as text. ok is false for null or absent.
func flexString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, true
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String(), true
	}
	return "", false
}

// itemNames reads a list whose entries are plain names or equipment objects.
func itemNames(raw json.RawMessage) []string {
	var entries []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &entries) != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if s, ok := flexString(e); ok {
			names = append(names, s)
			continue
		}
		var obj map[string]json.RawMessage
		if json.Unmarshal(e, &obj) != nil {
			continue
		}
		if s, ok := flexString(field(obj, "nama_alat", "EquipmentName", "name")); ok {
			names = append(names, s)
		}
	}
	return names
}
