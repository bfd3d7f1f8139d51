package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	jwttoken "trialrand/internal/jwt_token"
	"trialrand/internal/randomization/handler/mocks"
	"trialrand/internal/randomization/healthcheck"
	"trialrand/internal/randomization/models"
	"trialrand/internal/randomization/registry"
	"trialrand/internal/randomization/store"
	"trialrand/internal/randomization/store/memory"
	"trialrand/internal/site"
	dErrors "trialrand/pkg/domain-errors"
	"trialrand/pkg/platform/middleware/auth"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service,CheckReporter
type HandlerSuite struct {
	suite.Suite
	ctx         context.Context
	service     *mocks.MockService
	checks      *mocks.MockCheckReporter
	router      chi.Router
	tokens      *jwttoken.JWTService
	blinded     string
	unblind     string
	allocatedAt time.Time
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctx = context.Background()
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.checks = mocks.NewMockCheckReporter(ctrl)
	s.tokens = jwttoken.NewJWTService("test-key", "trialrand", "trialrand-api")
	s.allocatedAt = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	var err error
	s.blinded, err = s.tokens.GenerateAccessToken("coordinator", nil, time.Hour)
	s.Require().NoError(err)
	s.unblind, err = s.tokens.GenerateAccessToken("pharmacist", []string{auth.PermissionDisplayAssignment}, time.Hour)
	s.Require().NoError(err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(s.service, s.checks, logger, jwttoken.NewJWTServiceAdapter(s.tokens))
	s.router = chi.NewRouter()
	h.Register(s.router)
}

func (s *HandlerSuite) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *HandlerSuite) decode(w *httptest.ResponseRecorder) map[string]any {
	var resp map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func (s *HandlerSuite) result() *models.AllocationResult {
	return &models.AllocationResult{
		Scheme:            "main",
		SiteName:          "SiteA",
		SequenceID:        1,
		Assignment:        models.AssignmentActive,
		Description:       "Active treatment",
		SubjectIdentifier: "sub-001",
		AllocatedAt:       s.allocatedAt,
	}
}

// =============================================================================
// Allocate
// =============================================================================

func (s *HandlerSuite) TestAllocateBlindedCaller() {
	s.service.EXPECT().
		Allocate(gomock.Any(), "main", "SiteA", "sub-001", "coordinator", gomock.Any()).
		Return(s.result(), nil)

	w := s.do(http.MethodPost, "/schemes/main/allocations", s.blinded, allocateRequest{Site: "SiteA", SubjectIdentifier: "sub-001"})
	s.Equal(http.StatusCreated, w.Code, w.Body.String())

	resp := s.decode(w)
	s.Equal("SiteA", resp["site_name"])
	s.EqualValues(1, resp["sequence_id"])
	s.Equal("sub-001", resp["subject_identifier"])
	s.NotContains(resp, "assignment")
	s.NotContains(resp, "description")
	s.NotContains(w.Body.String(), "Active treatment")
}

// Justification: only callers holding the display permission may learn the
// arm; everyone else gets a blinded response.
func (s *HandlerSuite) TestAllocateUnblindedCaller() {
	s.service.EXPECT().
		Allocate(gomock.Any(), "main", "SiteA", "sub-001", "pharmacist", gomock.Any()).
		Return(s.result(), nil)

	w := s.do(http.MethodPost, "/schemes/main/allocations", s.unblind, allocateRequest{Site: "SiteA", SubjectIdentifier: "sub-001"})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())

	resp := s.decode(w)
	s.Equal("active", resp["assignment"])
	s.Equal("Active treatment", resp["description"])
}

func (s *HandlerSuite) TestAllocateRejectsBadBodies() {
	req := httptest.NewRequest(http.MethodPost, "/schemes/main/allocations", bytes.NewReader([]byte("{")))
	req.Header.Set("Authorization", "Bearer "+s.blinded)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/schemes/main/allocations", s.blinded, allocateRequest{Site: "SiteA"})
	s.Equal(http.StatusBadRequest, w.Code)
	s.Contains(w.Body.String(), "subject_identifier")
}

func (s *HandlerSuite) TestAllocateErrorMapping() {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{dErrors.New(dErrors.CodeDuplicateSubject, "subject sub-001 is already allocated"), http.StatusConflict, "duplicate_subject"},
		{dErrors.New(dErrors.CodeListExhausted, "no unclaimed rows at site SiteA"), http.StatusUnprocessableEntity, "list_exhausted"},
		{dErrors.New(dErrors.CodeUnknownSite, `unknown site "SiteZ"`), http.StatusNotFound, "unknown_site"},
		{dErrors.New(dErrors.CodeUnknownScheme, `unknown randomization scheme "x"`), http.StatusNotFound, "unknown_scheme"},
		{dErrors.New(dErrors.CodeAllocationContention, "gave up"), http.StatusServiceUnavailable, "allocation_contention"},
		{dErrors.New(dErrors.CodeInvalidAssignment, "invalid assignment"), http.StatusInternalServerError, "invalid_assignment"},
	}
	for _, tc := range cases {
		s.Run(tc.code, func() {
			s.service.EXPECT().
				Allocate(gomock.Any(), "main", "SiteA", "sub-001", "coordinator", gomock.Any()).
				Return(nil, tc.err)

			w := s.do(http.MethodPost, "/schemes/main/allocations", s.blinded, allocateRequest{Site: "SiteA", SubjectIdentifier: "sub-001"})
			s.Equal(tc.status, w.Code)
			s.Equal(tc.code, s.decode(w)["error"])
		})
	}
}

func (s *HandlerSuite) TestRequiresToken() {
	w := s.do(http.MethodPost, "/schemes/main/allocations", "", allocateRequest{Site: "SiteA", SubjectIdentifier: "sub-001"})
	s.Equal(http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/schemes/main/allocations/sub-001", "not-a-token", nil)
	s.Equal(http.StatusUnauthorized, w.Code)
}

// =============================================================================
// Lookup and verification
// =============================================================================

func (s *HandlerSuite) TestLookup() {
	s.service.EXPECT().Lookup(gomock.Any(), "main", "sub-001").Return(s.result(), nil)

	w := s.do(http.MethodGet, "/schemes/main/allocations/sub-001", s.unblind, nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("active", s.decode(w)["assignment"])

	s.service.EXPECT().Lookup(gomock.Any(), "main", "sub-404").
		Return(nil, dErrors.New(dErrors.CodeNotFound, "no allocation for subject sub-404"))
	w = s.do(http.MethodGet, "/schemes/main/allocations/sub-404", s.blinded, nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *HandlerSuite) TestVerify() {
	verifiedAt := s.allocatedAt.Add(time.Hour)
	s.service.EXPECT().
		Verify(gomock.Any(), "main", "SiteA", 7, "coordinator", gomock.Any()).
		Return(&models.ListRecord{
			SiteName:          "SiteA",
			SequenceID:        7,
			Assignment:        models.AssignmentPlacebo,
			SubjectIdentifier: "sub-001",
			Allocated:         true,
			Verified:          true,
			VerifiedAt:        &verifiedAt,
			VerifiedBy:        "coordinator",
		}, nil)

	w := s.do(http.MethodPost, "/schemes/main/sites/SiteA/records/7/verification", s.blinded, nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	resp := s.decode(w)
	s.Equal(true, resp["verified"])
	s.Equal("coordinator", resp["verified_by"])
	s.NotContains(resp, "assignment")
}

func (s *HandlerSuite) TestVerifyRejectsBadSequenceID() {
	for _, sid := range []string{"abc", "0", "-3"} {
		w := s.do(http.MethodPost, "/schemes/main/sites/SiteA/records/"+sid+"/verification", s.blinded, nil)
		s.Equal(http.StatusBadRequest, w.Code, sid)
	}
}

func (s *HandlerSuite) TestVerifyUnallocatedRow() {
	s.service.EXPECT().
		Verify(gomock.Any(), "main", "SiteA", 2, "coordinator", gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeInvalidState, "SiteA.2 is not allocated"))

	w := s.do(http.MethodPost, "/schemes/main/sites/SiteA/records/2/verification", s.blinded, nil)
	s.Equal(http.StatusConflict, w.Code)
}

// =============================================================================
// Checks
// =============================================================================

func (s *HandlerSuite) TestChecks() {
	at := s.allocatedAt
	s.checks.EXPECT().Last().Return(healthcheck.Report{Schemes: []healthcheck.SchemeResult{{
		Scheme: "main",
		Strict: true,
		Findings: []models.Finding{{
			ID:       healthcheck.IDWritableList,
			Check:    "permissions",
			Scheme:   "main",
			Severity: models.SeverityWarning,
			Message:  "insecure configuration: list is writable by this user",
		}},
	}}}, at)

	w := s.do(http.MethodGet, "/checks", s.blinded, nil)
	s.Require().Equal(http.StatusOK, w.Code)

	var resp checksResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Require().Len(resp.Findings, 1)
	s.Equal("warning", resp.Findings[0].Severity)
	s.Require().Len(resp.Blocking, 1)
	s.Equal("error", resp.Blocking[0].Severity)
	s.Require().NotNil(resp.CheckedAt)
	s.True(at.Equal(*resp.CheckedAt))
}

func (s *HandlerSuite) TestChecksWithoutRunner() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := chi.NewRouter()
	New(s.service, nil, logger, jwttoken.NewJWTServiceAdapter(s.tokens)).Register(router)

	req := httptest.NewRequest(http.MethodGet, "/checks", nil)
	req.Header.Set("Authorization", "Bearer "+s.blinded)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"findings":[],"blocking":[]}`, w.Body.String())
}

// =============================================================================
// Through the registry
// =============================================================================

func (s *HandlerSuite) TestAllocateThroughRegistry() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheme := models.Scheme{Name: "main"}.WithDefaults()
	ls, err := store.New(scheme, memory.New(), site.Static{"SiteA": "10"}, store.WithLogger(logger))
	s.Require().NoError(err)
	s.Require().NoError(ls.Load(s.ctx, []models.Row{
		{SiteName: "SiteA", SequenceID: 1, Assignment: models.AssignmentPlacebo, AllocationValue: "1"},
	}))
	reg := registry.New(registry.WithLogger(logger))
	_, err = reg.Register(s.ctx, registry.Registration{Store: ls})
	s.Require().NoError(err)

	router := chi.NewRouter()
	New(reg, nil, logger, jwttoken.NewJWTServiceAdapter(s.tokens)).Register(router)
	post := func() *httptest.ResponseRecorder {
		raw, _ := json.Marshal(allocateRequest{Site: "SiteA", SubjectIdentifier: "sub-001"})
		req := httptest.NewRequest(http.MethodPost, "/schemes/main/allocations", bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+s.unblind)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := post()
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	s.Equal("placebo", s.decode(w)["assignment"])

	rec, err := ls.LookupBySubject(s.ctx, "sub-001")
	s.Require().NoError(err)
	s.Equal("pharmacist", rec.AllocatedBy)

	w = post()
	s.Equal(http.StatusConflict, w.Code)
}
