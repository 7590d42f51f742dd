// Package credential models the W3C style student credential that is embedded
// in the "vc" claim of an issued token.
package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	BaseContext = "https://www.w3.org/2018/credentials/v1"
	BaseType    = "VerifiableCredential"
	StudentType = "StudentCredential"
)

var ErrInvalidCredential = errors.New("credential: invalid credential")

// Credential is the claim set signed by the issuer. Field order matches the
// serialized form.
type Credential struct {
	Context           []string   `json:"@context"`
	Type              []string   `json:"type"`
	ID                string     `json:"id"`
	Issuer            Issuer     `json:"issuer"`
	IssuanceDate      time.Time  `json:"issuanceDate"`
	ExpirationDate    *time.Time `json:"expirationDate,omitempty"`
	CredentialSubject Subject    `json:"credentialSubject"`
	CredentialStatus  *Status    `json:"credentialStatus,omitempty"`
}

type Issuer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Status points at the mechanism that answers whether the credential is still
// active.
type Status struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Expired reports whether the credential carries an expiration date strictly
// before now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpirationDate != nil && c.ExpirationDate.Before(now)
}

// Validate checks the fields every decoded credential must carry.
func (c *Credential) Validate() error {
	switch {
	case len(c.Context) == 0 || c.Context[0] != BaseContext:
		return fmt.Errorf("%w: @context must start with %s", ErrInvalidCredential, BaseContext)
	case !slices.Contains(c.Type, BaseType):
		return fmt.Errorf("%w: type must include %s", ErrInvalidCredential, BaseType)
	case c.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidCredential)
	case validIdentifier(c.Issuer.ID) != nil:
		return fmt.Errorf("%w: issuer.id: %v", ErrInvalidCredential, validIdentifier(c.Issuer.ID))
	case validIdentifier(c.CredentialSubject.ID) != nil:
		return fmt.Errorf("%w: credentialSubject.id: %v", ErrInvalidCredential, validIdentifier(c.CredentialSubject.ID))
	case c.IssuanceDate.IsZero():
		return fmt.Errorf("%w: issuanceDate is required", ErrInvalidCredential)
	case c.CredentialStatus != nil && (c.CredentialStatus.ID == "" || c.CredentialStatus.Type == ""):
		return fmt.Errorf("%w: credentialStatus needs id and type", ErrInvalidCredential)
	}
	return nil
}

// Subject is the credentialSubject object: the subject identifier plus free
// form claims. It always serializes "id" first, then claims in key order, so
// the same credential always produces the same bytes.
type Subject struct {
	ID     string
	Claims map[string]any
}

// Claim returns the named claim, or nil.
func (s Subject) Claim(name string) any {
	if name == "id" {
		return s.ID
	}
	return s.Claims[name]
}

func (s Subject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"id":`)
	id, err := json.Marshal(s.ID)
	if err != nil {
		return nil, err
	}
	buf.Write(id)

	keys := make([]string, 0, len(s.Claims))
	for k := range s.Claims {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, k := range keys {
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(s.Claims[k])
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", k, err)
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *Subject) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: credentialSubject must be an object", ErrInvalidCredential)
	}

	id, ok := raw["id"].(string)
	if !ok {
		return fmt.Errorf("%w: credentialSubject.id must be a string", ErrInvalidCredential)
	}
	delete(raw, "id")

	s.ID = id
	s.Claims = raw
	return nil
}
