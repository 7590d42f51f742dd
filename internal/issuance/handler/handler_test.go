package handler

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"studentvc/internal/credential"
	"studentvc/internal/issuance"
	"studentvc/internal/issuance/handler/mocks"
	"studentvc/internal/ratelimit"
	"studentvc/internal/store"
	"studentvc/internal/verify"
	dErrors "studentvc/pkg/domain-errors"
	"studentvc/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	service *mocks.MockService
	router  chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.service = mocks.NewMockService(s.ctrl)
	s.router = chi.NewRouter()
	New(s.service, nil).Register(s.router)
}

func verifiedResult() *verify.Result {
	return &verify.Result{
		Verified:     true,
		StatusActive: true,
		Status:       verify.StatusActive,
		Trusted:      true,
		Issuer:       "did:key:z6MkIssuer",
		Subject:      "S1",
		CheckedAt:    time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
}

func (s *HandlerSuite) TestIssue() {
	s.service.EXPECT().
		Issue(gomock.Any(), issuance.IssueRequest{
			SubjectID: "S1",
			Name:      "Alice",
			ValidFor:  48 * time.Hour,
		}).
		Return(&issuance.IssueResult{
			Token:      "h.p.s",
			Credential: &credential.Credential{ID: "S1-1"},
			Record:     &store.Record{SubjectID: "S1", Status: store.StatusActive, Version: 1},
		}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/credentials", map[string]any{
		"subject_id": " S1 ",
		"name":       "Alice",
		"valid_for":  "48h",
	}))

	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	resp := testutil.UnmarshalResponse[IssueResponse](s.T(), rr)
	s.Equal("h.p.s", resp.Token)
	s.Equal("S1-1", resp.Credential.ID)
	s.Equal(store.StatusActive, resp.Record.Status)
}

func (s *HandlerSuite) TestIssueValidation() {
	cases := map[string]map[string]any{
		"missing subject":   {"name": "Alice"},
		"bad duration":      {"subject_id": "S1", "valid_for": "a year"},
		"negative duration": {"subject_id": "S1", "valid_for": "-1h"},
	}
	for name, body := range cases {
		s.Run(name, func() {
			rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/credentials", body))
			testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, dErrors.CodeValidation)
		})
	}
}

func (s *HandlerSuite) TestIssueConflict() {
	s.service.EXPECT().Issue(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeConflict, "a credential has already been issued for this subject"))

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/credentials",
		map[string]any{"subject_id": "S1"}))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, dErrors.CodeConflict)
}

func (s *HandlerSuite) TestVerify() {
	s.service.EXPECT().Verify(gomock.Any(), "h.p.s").Return(verifiedResult(), nil)

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/verify",
		VerifyRequest{Token: "h.p.s"}))

	testutil.AssertStatusOK(s.T(), rr)
	body := testutil.UnmarshalResponse[map[string]any](s.T(), rr)
	s.Equal(true, (*body)["verified"])
	s.Equal(true, (*body)["accepted"])
	s.Equal("accepted", (*body)["outcome"])
	s.Equal("S1", (*body)["subject"])
}

func (s *HandlerSuite) TestVerifyRejectionIsStillOK() {
	s.service.EXPECT().Verify(gomock.Any(), "bad").Return(&verify.Result{
		Reason: verify.ReasonMalformed,
	}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/verify",
		VerifyRequest{Token: "bad"}))

	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "outcome", "malformed")
}

func (s *HandlerSuite) TestVerifyRequiresToken() {
	rr := testutil.DoRequest(s.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/v1/verify", `{"token":""}`))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, dErrors.CodeValidation)
}

func (s *HandlerSuite) TestGetStored() {
	s.service.EXPECT().VerifyStored(gomock.Any(), "S1").Return(&issuance.Summary{
		Record: &store.Record{SubjectID: "S1", Status: store.StatusRevoked, Version: 2},
		Result: &verify.Result{Verified: true, Status: verify.StatusRevoked, Subject: "S1"},
	}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/credentials/S1"))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[SummaryResponse](s.T(), rr)
	s.Equal(store.StatusRevoked, resp.Record.Status)
	s.Equal("inactive", resp.Verification.Outcome)
	s.False(resp.Verification.Accepted)
}

func (s *HandlerSuite) TestGetUnknown() {
	s.service.EXPECT().VerifyStored(gomock.Any(), "ghost").
		Return(nil, dErrors.New(dErrors.CodeNotFound, "no credential recorded for subject"))

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/credentials/ghost"))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, dErrors.CodeNotFound)
}

func (s *HandlerSuite) TestList() {
	s.service.EXPECT().List(gomock.Any()).Return([]issuance.Summary{
		{Record: &store.Record{SubjectID: "S1"}, Result: verifiedResult()},
		{Record: &store.Record{SubjectID: "S2"}, Result: &verify.Result{Reason: verify.ReasonBadSignature}},
	}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/credentials"))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[ListResponse](s.T(), rr)
	s.Equal(2, resp.Count)
	s.Equal("accepted", resp.Credentials[0].Verification.Outcome)
	s.Equal("bad_signature", resp.Credentials[1].Verification.Outcome)
}

func (s *HandlerSuite) TestListFailureHidesDetails() {
	s.service.EXPECT().List(gomock.Any()).
		Return(nil, dErrors.Wrap(errors.New("redis: connection pool timeout"), dErrors.CodeInternal, "failed to list credentials"))

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/credentials"))
	testutil.AssertStatus(s.T(), rr, http.StatusInternalServerError)
	s.NotContains(rr.Body.String(), "redis")
}

func (s *HandlerSuite) TestRevokeAndReactivate() {
	gomock.InOrder(
		s.service.EXPECT().Revoke(gomock.Any(), "S1").Return(nil),
		s.service.EXPECT().Reactivate(gomock.Any(), "S1").Return(nil),
	)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/v1/credentials/S1/revoke"))
	testutil.AssertStatus(s.T(), rr, http.StatusNoContent)

	rr = testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/v1/credentials/S1/reactivate"))
	testutil.AssertStatus(s.T(), rr, http.StatusNoContent)
}

func (s *HandlerSuite) TestRevokeUnknown() {
	s.service.EXPECT().Revoke(gomock.Any(), "ghost").
		Return(dErrors.New(dErrors.CodeNotFound, "no credential recorded for subject"))

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/v1/credentials/ghost/revoke"))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, dErrors.CodeNotFound)
}

func (s *HandlerSuite) TestRevokeMany() {
	s.service.EXPECT().RevokeMany(gomock.Any(), []string{"S1", "ghost"}).Return([]string{"S1"}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/credentials/revoke",
		RevokeManyRequest{SubjectIDs: []string{"S1", "ghost"}}))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[RevokeManyResponse](s.T(), rr)
	s.Equal([]string{"S1"}, resp.Revoked)
}

func TestPrepareKeepsExplicitExpiry(t *testing.T) {
	at := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	req := IssueRequest{SubjectID: "S1", ExpiresAt: &at, Claims: map[string]any{"title": "CS"}}
	got, err := req.Prepare()
	require.NoError(t, err)
	assert.Equal(t, &at, got.ExpiresAt)
	assert.Equal(t, "CS", got.Claims["title"])
	assert.Zero(t, got.ValidFor)
}

func TestRateLimitedRoutes(t *testing.T) {
	ctrl := gomock.NewController(t)
	service := mocks.NewMockService(ctrl)
	one := ratelimit.Limit{Requests: 1, Window: time.Minute}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(),
		ratelimit.WithLimit(ratelimit.ClassIssue, one),
		ratelimit.WithLimit(ratelimit.ClassRead, one),
		ratelimit.WithLimit(ratelimit.ClassVerify, one),
	)
	router := chi.NewRouter()
	New(service, nil, WithRateLimit(ratelimit.NewMiddleware(limiter, nil, nil, nil))).Register(router)

	service.EXPECT().Verify(gomock.Any(), "h.p.s").Return(verifiedResult(), nil).Times(1)
	verifyReq := func() *http.Request {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/v1/verify", VerifyRequest{Token: "h.p.s"})
		return testutil.FromClient(req, "192.0.2.10")
	}
	testutil.AssertStatusOK(t, testutil.DoRequest(router, verifyReq()))
	testutil.AssertStatusAndError(t, testutil.DoRequest(router, verifyReq()), http.StatusTooManyRequests, dErrors.CodeRateLimited)

	// classes have separate budgets
	service.EXPECT().List(gomock.Any()).Return(nil, nil)
	rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/v1/credentials"))
	assert.Equal(t, http.StatusOK, rr.Code)
}
