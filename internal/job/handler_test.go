package job_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/frahmantamala/escrow-settlement/internal"
	jobDatamodel "github.com/frahmantamala/escrow-settlement/internal/core/datamodel/job"
	"github.com/frahmantamala/escrow-settlement/internal/job"
	jobPostgres "github.com/frahmantamala/escrow-settlement/internal/job/postgres"
	"github.com/frahmantamala/escrow-settlement/internal/transport"
)

var _ = Describe("Job Handler Integration", func() {
	var (
		db      *gorm.DB
		handler *job.Handler
		router  chi.Router
	)

	BeforeEach(func() {
		var err error
		slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(db.AutoMigrate(&jobDatamodel.Job{})).To(Succeed())

		service := job.NewService(jobPostgres.NewJobRepository(db), slogger)
		handler = job.NewHandler(service)
		handler.BaseHandler = transport.NewBaseHandler(slogger)

		router = chi.NewRouter()
		router.Post("/jobs", handler.CreateJob)
		router.Get("/jobs", handler.ListMyJobs)
		router.Get("/jobs/{jobId}", handler.GetJob)
	})

	AfterEach(func() {
		sqlDB, err := db.DB()
		Expect(err).NotTo(HaveOccurred())
		Expect(sqlDB.Close()).To(Succeed())
	})

	do := func(actor *internal.Actor, method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if actor != nil {
			req = req.WithContext(internal.ContextWithActor(context.Background(), actor))
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	employer := &internal.Actor{UserID: 1, Role: internal.RoleEmployer}

	It("creates and fetches a job", func() {
		w := do(employer, http.MethodPost, "/jobs", `{"id":"job_1","title":"Logo","budget":"2.5"}`)
		Expect(w.Code).To(Equal(http.StatusCreated))

		w = do(employer, http.MethodGet, "/jobs/job_1", "")
		Expect(w.Code).To(Equal(http.StatusOK))

		var got job.Job
		Expect(json.NewDecoder(w.Body).Decode(&got)).To(Succeed())
		Expect(got.Budget.String()).To(Equal("2.5"))
		Expect(got.Status).To(Equal(job.StatusOpen))
	})

	It("lists the caller's jobs", func() {
		Expect(do(employer, http.MethodPost, "/jobs", `{"id":"job_1","title":"Logo","budget":"1"}`).Code).To(Equal(http.StatusCreated))

		w := do(employer, http.MethodGet, "/jobs?limit=5", "")
		Expect(w.Code).To(Equal(http.StatusOK))

		var body struct {
			Jobs  []job.Job `json:"jobs"`
			Limit int       `json:"limit"`
		}
		Expect(json.NewDecoder(w.Body).Decode(&body)).To(Succeed())
		Expect(body.Jobs).To(HaveLen(1))
		Expect(body.Limit).To(Equal(5))
	})

	It("rejects unknown fields", func() {
		w := do(employer, http.MethodPost, "/jobs", `{"id":"job_1","title":"Logo","budget":"1","owner":3}`)
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("requires authentication", func() {
		w := do(nil, http.MethodGet, "/jobs/job_1", "")
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("returns 404 for missing jobs", func() {
		w := do(employer, http.MethodGet, "/jobs/nope", "")
		Expect(w.Code).To(Equal(http.StatusNotFound))
		Expect(w.Body.String()).To(ContainSubstring(string(internal.ErrCodeJobNotFound)))
	})
})
