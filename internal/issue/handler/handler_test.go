package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"odmflush/internal/gateway/memory"
	"odmflush/internal/issue"
	"odmflush/internal/schema"
	"odmflush/internal/unitofwork"
	dErrors "odmflush/pkg/domain-errors"
	"odmflush/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	router http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	gw := memory.New()
	s.Require().NoError(gw.EnsureIndexes(context.Background(), issue.Schema().Indexes()...))
	registry := schema.NewRegistry(issue.Schema())
	svc := issue.NewService(func() *unitofwork.Session {
		return unitofwork.New(gw, unitofwork.WithSchemas(registry))
	})
	s.router = newRouter(svc)
}

func newRouter(svc Service) http.Handler {
	r := chi.NewRouter()
	New(svc, slog.New(slog.DiscardHandler)).Register(r)
	return r
}

func (s *HandlerSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	return testutil.Do(s.router, testutil.NewJSONRequest(s.T(), method, path, body))
}

func (s *HandlerSuite) create(title string) issue.View {
	rec := s.do(http.MethodPost, "/issues", map[string]string{"title": title})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	return testutil.Decode[issue.View](s.T(), rec)
}

func (s *HandlerSuite) TestCreateAndGet() {
	created := s.create("Issue1")
	s.NotEmpty(created.ID)

	rec := s.do(http.MethodGet, "/issues/"+created.ID, nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("Issue1", testutil.Decode[issue.View](s.T(), rec).Title)

	s.Run("duplicate title conflicts", func() {
		rec := s.do(http.MethodPost, "/issues", map[string]string{"title": "Issue1"})
		testutil.AssertStatusAndError(s.T(), rec, http.StatusConflict, "constraint_violation")
	})

	s.Run("blank title is rejected", func() {
		rec := s.do(http.MethodPost, "/issues", map[string]string{"title": "   "})
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("unknown id", func() {
		rec := s.do(http.MethodGet, "/issues/missing", nil)
		s.Equal(http.StatusNotFound, rec.Code)
	})
}

func (s *HandlerSuite) TestFindByTitle() {
	created := s.create("Issue1")

	rec := s.do(http.MethodGet, "/issues?title=Issue1", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(created.ID, testutil.Decode[issue.View](s.T(), rec).ID)

	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/issues", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/issues?title=nope", nil).Code)
}

func (s *HandlerSuite) TestUpdate() {
	a := s.create("Issue1")
	s.create("Issue2")

	rec := s.do(http.MethodPatch, "/issues/"+a.ID, map[string]any{
		"title":     "Issue1b",
		"add_tasks": []string{"Task1", "Task2"},
	})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	view := testutil.Decode[issue.View](s.T(), rec)
	s.Equal("Issue1b", view.Title)
	s.Len(view.Tasks, 2)

	s.Run("scalar and embedded edit rejected together", func() {
		rec := s.do(http.MethodPatch, "/issues/"+a.ID, map[string]any{
			"title":        "Issue2",
			"rename_tasks": map[string]string{"0": "Task1x"},
		})
		s.Equal(http.StatusConflict, rec.Code)

		stored := testutil.Decode[issue.View](s.T(), s.do(http.MethodGet, "/issues/"+a.ID, nil))
		s.Equal("Issue1b", stored.Title)
		s.Equal("Task1", stored.Tasks[0].Title)
	})

	s.Run("rename and remove of one task cannot be merged", func() {
		rec := s.do(http.MethodPatch, "/issues/"+a.ID, map[string]any{
			"rename_tasks": map[string]string{"0": "Renamed"},
			"remove_tasks": []int{0},
		})
		testutil.AssertStatusAndError(s.T(), rec, http.StatusUnprocessableEntity, "consolidation_conflict")
	})

	s.Run("empty change set", func() {
		rec := s.do(http.MethodPatch, "/issues/"+a.ID, map[string]any{})
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("unknown fields", func() {
		rec := s.do(http.MethodPatch, "/issues/"+a.ID, map[string]any{"status": "closed"})
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *HandlerSuite) TestDelete() {
	a := s.create("Issue1")
	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/issues/"+a.ID, nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/issues/"+a.ID, nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodDelete, "/issues/"+a.ID, nil).Code)

	// The title is free again.
	s.create("Issue1")
}

type failingService struct {
	Service
	err error
}

func (f failingService) Get(context.Context, string) (*issue.View, error) { return nil, f.err }

func TestHandlerErrorStatus(t *testing.T) {
	tests := []struct {
		code   dErrors.Code
		status int
	}{
		{dErrors.CodeUnavailable, http.StatusServiceUnavailable},
		{dErrors.CodeTimeout, http.StatusGatewayTimeout},
		{dErrors.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			router := newRouter(failingService{err: dErrors.New(tt.code, "backend")})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/issues/x", nil))
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}
