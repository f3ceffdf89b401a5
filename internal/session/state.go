package session

import (
	"fmt"
	"time"
)

type State int

const (
	Idle State = iota
	VerifyingStatus
	FetchingDetail
	Result
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case VerifyingStatus:
		return "verifying_status"
	case FetchingDetail:
		return "fetching_detail"
	case Result:
		return "result"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Error; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Busy reports whether a remote call is in flight.
func (s State) Busy() bool {
	return s == VerifyingStatus || s == FetchingDetail
}

// LineItem is one aggregated equipment entry.
type LineItem struct {
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	OutOfStock bool   `json:"outOfStock,omitempty"`
}

// Label renders the item as shown on the kiosk.
func (l LineItem) Label() string {
	switch {
	case l.OutOfStock:
		return l.Name + " (out of stock)"
	case l.Quantity > 1:
		return fmt.Sprintf("%s (%dx)", l.Name, l.Quantity)
	default:
		return l.Name
	}
}

type Transaction struct {
	ID          string     `json:"id,omitempty"`
	StudentName string     `json:"studentName,omitempty"`
	StudentID   string     `json:"studentId"`
	NewStatus   string     `json:"newStatus,omitempty"`
	Items       []LineItem `json:"items"`
	Failed      []string   `json:"failed,omitempty"`
}

func (t *Transaction) Labels() []string {
	out := make([]string, len(t.Items))
	for i, it := range t.Items {
		out[i] = it.Label()
	}
	return out
}

// Snapshot is the published view of the kiosk. In Result it may carry both a
// Transaction and an ErrorMessage (all equipment exhausted).
type Snapshot struct {
	SessionID    string       `json:"sessionId,omitempty"`
	State        State        `json:"state"`
	Payload      string       `json:"payload,omitempty"`
	Transaction  *Transaction `json:"transaction,omitempty"`
	ErrorMessage string       `json:"error,omitempty"`
	Faces        int          `json:"faces"`
	FacesAt      time.Time    `json:"facesAt"`
	Camera       string       `json:"camera,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// FaceSignalFresh is false when no face report arrived within window of now.
func (s Snapshot) FaceSignalFresh(now time.Time, window time.Duration) bool {
	return !s.FacesAt.IsZero() && now.Sub(s.FacesAt) <= window
}
