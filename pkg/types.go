package pkg

import (
	"fmt"
	"strings"
	"time"
)

// MessageRole describes who authored a conversation turn.
type MessageRole string

const (
	RolePatient   MessageRole = "patient"
	RoleAssistant MessageRole = "assistant"
)

// ConversationTurn is one entry of the append-only chat history owned by
// the history store.  The orchestrator only reads the most recent turns.
type ConversationTurn struct {
	ID        string      `json:"id"`
	PatientID string      `json:"patient_id"`
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConnectivityTier is a coarse signal describing how much network access
// the client currently has.  Tiers are ordered Offline < Degraded < Full.
type ConnectivityTier int

const (
	TierOffline ConnectivityTier = iota
	TierDegraded
	TierFull
)

func (t ConnectivityTier) String() string {
	switch t {
	case TierOffline:
		return "offline"
	case TierDegraded:
		return "degraded"
	case TierFull:
		return "full"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseConnectivityTier accepts the wire names used by clients.  An empty
// value means the client did not report a tier and is treated as full.
func ParseConnectivityTier(s string) (ConnectivityTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full", "online":
		return TierFull, nil
	case "degraded", "limited":
		return TierDegraded, nil
	case "offline", "none":
		return TierOffline, nil
	default:
		return TierFull, fmt.Errorf("unknown connectivity tier %q", s)
	}
}

// HealthMetric is the latest reading of one tracked metric.
type HealthMetric struct {
	Name       string    `json:"name"`
	Value      string    `json:"value"`
	Unit       string    `json:"unit"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CareContext is read-only context injected into the model prompt.
type CareContext struct {
	PatientID  string         `json:"patient_id"`
	Directives []string       `json:"directives"`
	Metrics    []HealthMetric `json:"metrics"`
}

func (c CareContext) Empty() bool {
	return len(c.Directives) == 0 && len(c.Metrics) == 0
}

// ClinicianContact is where emergency alerts for a patient are delivered.
type ClinicianContact struct {
	ClinicianID string `json:"clinician_id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// AlertRecord associates a patient with a flagged emergency.  SourceText is
// the verbatim triggering message.
type AlertRecord struct {
	ID             string         `json:"id"`
	PatientID      string         `json:"patient_id"`
	ClinicianID    string         `json:"clinician_id,omitempty"`
	Category       string         `json:"category"`
	Confidence     float64        `json:"confidence"`
	SourceText     string         `json:"source_text"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	Attempts       int            `json:"attempts"`
}
