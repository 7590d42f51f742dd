package credential

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"
	"unicode"
)

const maxIdentifierLength = 128

var (
	ErrInvalidIdentifier        = errors.New("credential: invalid identifier")
	ErrMissingIssuedAt          = errors.New("credential: issuance time is required")
	ErrExpirationBeforeIssuance = errors.New("credential: expiration must be after issuance")
)

// BuildParams are the inputs of Build.
type BuildParams struct {
	IssuerID   string
	IssuerName string
	SubjectID  string
	Claims     map[string]any
	IssuedAt   time.Time
	// ExpiresAt is optional.
	ExpiresAt *time.Time

	// ID overrides the default "<subject>-<unix millis>" identifier.
	ID string
	// Types are appended after VerifiableCredential. Nil means StudentCredential.
	Types    []string
	Contexts []string
	Status   *Status

	// StrictDates rejects an expiration at or before issuance. Off by default:
	// callers own the sanity of their dates.
	StrictDates bool
}

// Build assembles a credential. It does not sign and has no side effects.
// Timestamps are normalized to UTC with second precision, matching their
// serialized form.
func Build(p BuildParams) (*Credential, error) {
	if err := validIdentifier(p.IssuerID); err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}
	if err := validIdentifier(p.SubjectID); err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	if p.IssuedAt.IsZero() {
		return nil, ErrMissingIssuedAt
	}

	issued := p.IssuedAt.UTC().Truncate(time.Second)
	var expires *time.Time
	if p.ExpiresAt != nil {
		e := p.ExpiresAt.UTC().Truncate(time.Second)
		if p.StrictDates && !e.After(issued) {
			return nil, ErrExpirationBeforeIssuance
		}
		expires = &e
	}

	types := p.Types
	if types == nil {
		types = []string{StudentType}
	}

	id := p.ID
	if id == "" {
		id = p.SubjectID + "-" + strconv.FormatInt(p.IssuedAt.UnixMilli(), 10)
	}

	claims := maps.Clone(p.Claims)
	if claims == nil {
		claims = map[string]any{}
	}
	// the subject id always wins over a caller supplied "id" claim
	delete(claims, "id")

	var status *Status
	if p.Status != nil {
		s := *p.Status
		status = &s
	}

	return &Credential{
		Context:        append([]string{BaseContext}, p.Contexts...),
		Type:           append([]string{BaseType}, types...),
		ID:             id,
		Issuer:         Issuer{ID: p.IssuerID, Name: p.IssuerName},
		IssuanceDate:   issued,
		ExpirationDate: expires,
		CredentialSubject: Subject{
			ID:     p.SubjectID,
			Claims: claims,
		},
		CredentialStatus: status,
	}, nil
}

// validIdentifier accepts any non-empty printable string without whitespace.
func validIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentifier, maxIdentifierLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: contains %q", ErrInvalidIdentifier, r)
		}
	}
	return nil
}
