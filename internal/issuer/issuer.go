// Package issuer creates certificates. Each call re-derives eligibility inside
// its own transaction and relies on the store's uniqueness constraint to keep
// at most one active certificate per (user, target).
package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/certification/internal/canonical"
	"github.com/ILLUVRSE/certification/internal/completion"
	"github.com/ILLUVRSE/certification/internal/models"
	"github.com/ILLUVRSE/certification/internal/program"
	"github.com/ILLUVRSE/certification/internal/store"
	"github.com/ILLUVRSE/certification/internal/validation"
)

var ErrUnknownTargetKind = errors.New("unknown certificate target kind")

type Outcome string

const (
	Issued        Outcome = "Issued"
	AlreadyIssued Outcome = "AlreadyIssued"
	NotEligible   Outcome = "NotEligible"
)

type Result struct {
	Outcome     Outcome             `json:"outcome"`
	Certificate *models.Certificate `json:"certificate,omitempty"`
	Unmet       []completion.Unmet  `json:"unmet,omitempty"`
}

type Config struct {
	Templates         TemplateCatalog
	ValidationBaseURL string
	// Now defaults to time.Now.
	Now func() time.Time
	// NewCode defaults to validation.NewCode.
	NewCode func() (string, error)
}

type Issuer struct {
	store store.Store
	cfg   Config
}

func New(s store.Store, cfg Config) *Issuer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewCode == nil {
		cfg.NewCode = validation.NewCode
	}
	return &Issuer{store: s, cfg: cfg}
}

// IssueIfEligible never trusts the caller's view of completion; it re-runs
// the check against the state read in its own transaction. Losing a
// concurrent race returns AlreadyIssued with the winner's certificate.
func (i *Issuer) IssueIfEligible(ctx context.Context, userID uuid.UUID, kind models.TargetKind, targetID uuid.UUID) (Result, error) {
	if !kind.Valid() {
		return Result{}, ErrUnknownTargetKind
	}

	var res Result
	err := i.store.InTx(ctx, func(q store.Queries) error {
		existing, err := q.GetActiveCertificate(ctx, userID, kind, targetID)
		if err == nil {
			res = Result{Outcome: AlreadyIssued, Certificate: &existing}
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		check, err := i.check(ctx, q, userID, kind, targetID)
		if err != nil {
			return err
		}
		if !check.Complete {
			res = Result{Outcome: NotEligible, Unmet: check.Unmet}
			return nil
		}

		code, err := i.cfg.NewCode()
		if err != nil {
			return err
		}
		now := i.cfg.Now().UTC()
		cert, err := q.InsertCertificate(ctx, store.CertificateInput{
			UserID:         userID,
			TargetKind:     kind,
			TargetID:       targetID,
			TemplateID:     i.cfg.Templates.Select(kind, targetID),
			ValidationCode: code,
			IssuedAt:       now,
		})
		if err != nil {
			return err
		}
		payload, err := EventPayload(cert, i.ValidationURL(cert.ValidationCode))
		if err != nil {
			return err
		}
		if _, err := q.EnqueueCertificateEvent(ctx, store.EventInput{
			CertificateID: cert.ID,
			EventType:     models.EventCertificateIssued,
			Payload:       payload,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		res = Result{Outcome: Issued, Certificate: &cert}
		return nil
	})

	if errors.Is(err, store.ErrDuplicate) {
		winner, gerr := i.store.GetActiveCertificate(ctx, userID, kind, targetID)
		if gerr != nil {
			return Result{}, fmt.Errorf("load concurrently issued certificate: %w", gerr)
		}
		log.Printf("[issuer] concurrent issuance user=%s %s=%s resolved to certificate %s", userID, kind, targetID, winner.ID)
		return Result{Outcome: AlreadyIssued, Certificate: &winner}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("issue %s certificate: %w", kind, err)
	}
	if res.Outcome == Issued {
		log.Printf("[issuer] issued certificate %s user=%s %s=%s template=%s", res.Certificate.ID, userID, kind, targetID, res.Certificate.TemplateID)
	}
	return res, nil
}

func (i *Issuer) ValidationURL(code string) string {
	return validation.URL(i.cfg.ValidationBaseURL, code)
}

func (i *Issuer) check(ctx context.Context, q store.Queries, userID uuid.UUID, kind models.TargetKind, targetID uuid.UUID) (completion.Result, error) {
	if kind == models.TargetProgram {
		return program.Evaluate(ctx, q, userID, targetID)
	}
	res, err := completion.Check(ctx, q, userID, targetID)
	if errors.Is(err, completion.ErrNotEnrolled) {
		return completion.Result{Unmet: []completion.Unmet{{Reason: completion.ReasonNotEnrolled}}}, nil
	}
	return res, err
}

// EventPayload is the canonical body of certificate outbox events; it is what
// the notification and rendering collaborators receive.
func EventPayload(c models.Certificate, validationURL string) (json.RawMessage, error) {
	body := map[string]any{
		"certificateId":  c.ID.String(),
		"userId":         c.UserID.String(),
		"targetKind":     string(c.TargetKind),
		"targetId":       c.TargetID.String(),
		"templateId":     c.TemplateID,
		"validationCode": c.ValidationCode,
		"validationUrl":  validationURL,
		"issuedAt":       c.IssuedAt.UTC().Format(time.RFC3339Nano),
		"revoked":        c.Revoked,
	}
	if c.RevokedAt != nil {
		body["revokedAt"] = c.RevokedAt.UTC().Format(time.RFC3339Nano)
		body["revokedReason"] = c.RevokedReason
	}
	out, err := canonical.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode certificate event: %w", err)
	}
	return out, nil
}
