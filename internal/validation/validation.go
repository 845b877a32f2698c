// Package validation answers public "is this certificate genuine" lookups.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/certification/internal/models"
	"github.com/ILLUVRSE/certification/internal/store"
)

type Lookup interface {
	GetCertificateByCode(ctx context.Context, code string) (models.Certificate, error)
}

// Validation is the public view of a certificate. It never carries the
// holder's identity.
type Validation struct {
	Valid      bool              `json:"valid"`
	Revoked    bool              `json:"revoked"`
	TargetKind models.TargetKind `json:"targetKind,omitempty"`
	TargetID   *uuid.UUID        `json:"targetId,omitempty"`
	IssuedAt   *time.Time        `json:"issuedAt,omitempty"`
}

type Service struct {
	store   Lookup
	baseURL string
}

func New(store Lookup, baseURL string) *Service {
	return &Service{store: store, baseURL: baseURL}
}

// Validate resolves a validation code. Malformed and unknown codes produce the
// same zero Validation so callers cannot probe the code space.
func (s *Service) Validate(ctx context.Context, code string) (Validation, error) {
	code = Normalize(code)
	if !WellFormed(code) {
		return Validation{}, nil
	}
	cert, err := s.store.GetCertificateByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return Validation{}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("lookup certificate: %w", err)
	}
	targetID := cert.TargetID
	issuedAt := cert.IssuedAt
	return Validation{
		Valid:      !cert.Revoked,
		Revoked:    cert.Revoked,
		TargetKind: cert.TargetKind,
		TargetID:   &targetID,
		IssuedAt:   &issuedAt,
	}, nil
}

func (s *Service) URL(code string) string {
	return URL(s.baseURL, code)
}
