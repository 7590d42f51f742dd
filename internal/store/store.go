// Package store persists issued credential tokens keyed by subject
// identifier.
//
// Every backend keeps at most one record per subject. Put overwrites, Insert
// refuses to, and status changes are atomic per subject. The memory, file and
// SQLite backends serialize writers in process, Redis uses WATCH/MULTI, and
// Postgres does each change in a single statement.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studentvc/internal/token"
	"studentvc/internal/verify"
	"studentvc/pkg/platform/sentinel"
)

// Status of a stored credential.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

var ErrInvalidStatus = errors.New("store: invalid status")

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusRevoked
}

// ParseStatus accepts the lower case status names.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Record is the persisted unit.
type Record struct {
	SubjectID       string     `json:"subject_id"`
	Token           string     `json:"token"`
	Status          Status     `json:"status"`
	IssuedAt        time.Time  `json:"issued_at"`
	StatusUpdatedAt *time.Time `json:"status_updated_at,omitempty"`
	// Version increases on every write to the subject.
	Version int64 `json:"version"`
}

func (r *Record) clone() *Record {
	c := *r
	if r.StatusUpdatedAt != nil {
		t := *r.StatusUpdatedAt
		c.StatusUpdatedAt = &t
	}
	return &c
}

// Store is the narrow persistence contract the issuance core relies on.
type Store interface {
	// Put creates or replaces the record for subjectID.
	Put(ctx context.Context, subjectID, token string, status Status) (*Record, error)
	// Get returns sentinel.ErrNotFound for unknown subjects.
	Get(ctx context.Context, subjectID string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	// SetStatus reports false when subjectID is unknown.
	SetStatus(ctx context.Context, subjectID string, status Status) (bool, error)
}

// Backend is a Store with the extra operations every implementation in this
// package provides.
type Backend interface {
	Store
	// Insert is Put that fails with sentinel.ErrConflict if a record exists.
	Insert(ctx context.Context, subjectID, token string, status Status) (*Record, error)
	// SetStatusMany returns the subjects that were found and updated.
	SetStatusMany(ctx context.Context, subjectIDs []string, status Status) ([]string, error)
}

// Clock is injected for tests.
type Clock func() time.Time

func validate(subjectID string, status Status) error {
	if subjectID == "" {
		return errors.New("store: empty subject id")
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return nil
}

// StatusResolver adapts s to the verification pipeline for credentials issued
// by issuerID. Tokens from any other issuer and subjects without a record
// resolve to unknown. A presented token whose jti or credentialStatus id
// differs from the stored token's is superseded. Other failures are returned
// so the pipeline can log them.
func StatusResolver(s Store, issuerID string) verify.StatusResolver {
	return verify.StatusResolverFunc(func(ctx context.Context, q verify.StatusQuery) (verify.Status, error) {
		if q.Issuer != issuerID {
			return verify.StatusUnknown, nil
		}
		rec, err := s.Get(ctx, q.Subject)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return verify.StatusUnknown, nil
			}
			return verify.StatusUnknown, err
		}
		if q.TokenID != "" || q.StatusID != "" {
			current, err := sameCredential(rec.Token, q)
			if err != nil {
				return verify.StatusUnknown, err
			}
			if !current {
				return verify.StatusSuperseded, nil
			}
		}
		switch rec.Status {
		case StatusActive:
			return verify.StatusActive, nil
		case StatusRevoked:
			return verify.StatusRevoked, nil
		default:
			return verify.StatusUnknown, nil
		}
	})
}

// sameCredential reports whether the stored token is the one q describes.
func sameCredential(stored string, q verify.StatusQuery) (bool, error) {
	decoded, err := token.Decode(stored)
	if err != nil {
		return false, fmt.Errorf("decode stored token: %w", err)
	}
	claims := decoded.Claims
	if q.TokenID != "" && claims.ID != q.TokenID {
		return false, nil
	}
	if q.StatusID != "" {
		if claims.VC == nil || claims.VC.CredentialStatus == nil || claims.VC.CredentialStatus.ID != q.StatusID {
			return false, nil
		}
	}
	return true, nil
}

// setStatusEach is SetStatusMany for backends without a bulk primitive.
func setStatusEach(ctx context.Context, s Store, subjectIDs []string, status Status) ([]string, error) {
	updated := make([]string, 0, len(subjectIDs))
	for _, id := range subjectIDs {
		ok, err := s.SetStatus(ctx, id, status)
		if err != nil {
			return updated, fmt.Errorf("set status for %s: %w", id, err)
		}
		if ok {
			updated = append(updated, id)
		}
	}
	return updated, nil
}
