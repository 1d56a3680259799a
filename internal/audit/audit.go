package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Actions recorded for operator changes to alerts.
const (
	ActionAlertAcknowledge = "alert.acknowledge"
	ActionAlertEscalate    = "alert.escalate"
	ActionUnitReset        = "unit.reset"
)

// Entry represents an audit log entry.
type Entry struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Actor          string          `json:"actor"`
	Role           string          `json:"role,omitempty"`
	Action         string          `json:"action"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	UnitID         string          `json:"unit_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	PayloadDigest  string          `json:"payload_digest,omitempty"`
	IP             string          `json:"ip,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates a random audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalize(entry Entry, now time.Time) Entry {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now.UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	return entry
}

type requestMetaKey struct{}

// RequestMeta is the caller information attached to audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
	Role      string
}

// WithRequestMeta stores caller information on the context.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFrom returns caller information stored by WithRequestMeta.
func RequestMetaFrom(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}
