package outbox

import (
	"fmt"
	"time"

	"github.com/ILLUVRSE/certification/internal/canonical"
	"github.com/ILLUVRSE/certification/internal/models"
)

// Envelope is the Kafka message value for an event. Consumers key on
// certificateId and switch on eventType.
func Envelope(ev models.CertificateEvent) ([]byte, error) {
	b, err := canonical.Marshal(map[string]any{
		"id":            ev.ID.String(),
		"certificateId": ev.CertificateID.String(),
		"eventType":     ev.EventType,
		"payload":       ev.Payload,
		"createdAt":     ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	return b, nil
}

// RenderRequest is the object the renderer consumes. The certificate payload
// already carries the validation code, URL, target and template; a revoked
// request tells the renderer to reissue the artifact with the revoked mark.
func RenderRequest(ev models.CertificateEvent) ([]byte, error) {
	b, err := canonical.Marshal(map[string]any{
		"eventId":     ev.ID.String(),
		"eventType":   ev.EventType,
		"certificate": ev.Payload,
		"requestedAt": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize render request: %w", err)
	}
	return b, nil
}
