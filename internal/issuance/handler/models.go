package handler

import (
	"strings"
	"time"

	"studentvc/internal/credential"
	"studentvc/internal/issuance"
	"studentvc/internal/store"
	"studentvc/internal/verify"
	dErrors "studentvc/pkg/domain-errors"
)

// IssueRequest is the body of POST /v1/credentials. ValidFor is a Go duration
// string such as "8760h".
type IssueRequest struct {
	SubjectID string         `json:"subject_id"`
	Name      string         `json:"name,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
	ValidFor  string         `json:"valid_for,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Audience  []string       `json:"audience,omitempty"`
}

// Prepare trims input and converts it into the service request.
func (r *IssueRequest) Prepare() (issuance.IssueRequest, error) {
	r.SubjectID = strings.TrimSpace(r.SubjectID)
	r.Name = strings.TrimSpace(r.Name)
	if r.SubjectID == "" {
		return issuance.IssueRequest{}, dErrors.New(dErrors.CodeValidation, "subject_id is required")
	}
	out := issuance.IssueRequest{
		SubjectID: r.SubjectID,
		Name:      r.Name,
		Claims:    r.Claims,
		ExpiresAt: r.ExpiresAt,
		Audience:  r.Audience,
	}
	if r.ValidFor != "" {
		d, err := time.ParseDuration(r.ValidFor)
		if err != nil || d <= 0 {
			return issuance.IssueRequest{}, dErrors.New(dErrors.CodeValidation, "valid_for must be a positive duration")
		}
		out.ValidFor = d
	}
	return out, nil
}

type IssueResponse struct {
	Token      string                 `json:"token"`
	Credential *credential.Credential `json:"credential"`
	Record     *store.Record          `json:"record"`
}

type VerifyRequest struct {
	Token string `json:"token"`
}

// VerifyResponse flattens the verification result and adds the policy view.
type VerifyResponse struct {
	*verify.Result
	Outcome  string `json:"outcome"`
	Accepted bool   `json:"accepted"`
}

func FromResult(res *verify.Result) VerifyResponse {
	return VerifyResponse{Result: res, Outcome: res.Outcome(), Accepted: res.Accepted()}
}

type SummaryResponse struct {
	Record       *store.Record  `json:"record"`
	Verification VerifyResponse `json:"verification"`
}

func FromSummary(s issuance.Summary) SummaryResponse {
	return SummaryResponse{Record: s.Record, Verification: FromResult(s.Result)}
}

type ListResponse struct {
	Credentials []SummaryResponse `json:"credentials"`
	Count       int               `json:"count"`
}

type RevokeManyRequest struct {
	SubjectIDs []string `json:"subject_ids"`
}

type RevokeManyResponse struct {
	Revoked []string `json:"revoked"`
}
