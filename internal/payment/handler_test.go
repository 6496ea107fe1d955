package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/core/events"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/job"
	jobPostgres "github.com/frahmantamala/escrow-settlement/internal/job/postgres"
	"github.com/frahmantamala/escrow-settlement/internal/ledger"
	"github.com/frahmantamala/escrow-settlement/internal/payment"
	paymentPostgres "github.com/frahmantamala/escrow-settlement/internal/payment/postgres"
	"github.com/frahmantamala/escrow-settlement/internal/transport"
)

var _ = Describe("Payment Handler Integration", func() {
	var (
		gdb      *gorm.DB
		router   chi.Router
		employer *internal.Actor
		worker   *internal.Actor
		admin    = &internal.Actor{UserID: 900, Role: internal.RoleAdmin}
	)

	BeforeEach(func() {
		gdb = openDB()
		e := seedUser(gdb, "employer@example.com", "employer")
		w := seedUser(gdb, "worker@example.com", "worker")
		employer = &internal.Actor{UserID: e.ID, Role: internal.RoleEmployer}
		worker = &internal.Actor{UserID: w.ID, Role: internal.RoleWorker}
		seedJob(gdb, "job_1", e.ID)

		lg := discardLogger()
		client := ledger.NewSimulatedClient(escrow.NewContract(adminAddr, platformAddr, 250), lg)
		Expect(client.Connect(context.Background())).To(Succeed())

		bus := events.NewEventBus(lg)
		repo := paymentPostgres.NewPaymentRepository(gdb)
		jobs := job.NewService(jobPostgres.NewJobRepository(gdb), lg)
		mirror := payment.NewMirror(repo, jobs, bus, nil, lg)

		handler := payment.NewHandler(
			payment.NewService(repo, jobs, bus, lg),
			payment.NewReconciler(client, mirror, repo, nil, payment.ReconcilerConfig{}, lg),
		)
		handler.BaseHandler = transport.NewBaseHandler(lg)

		router = chi.NewRouter()
		router.Post("/payments", handler.CreatePayment)
		router.Get("/payments", handler.ListMyPayments)
		router.Post("/payments/reconcile", handler.Reconcile)
		router.Get("/payments/{id}", handler.GetPayment)
		router.Patch("/payments/{id}/status", handler.UpdatePaymentStatus)
		router.Get("/jobs/{jobId}/payment", handler.GetJobPayment)
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

	createBody := func() string {
		return `{"job_id":"job_1","worker_id":` + jsonInt(worker.UserID) + `,"amount":"1.5"}`
	}

	It("creates, pays and reads a manual payment", func() {
		w := do(employer, http.MethodPost, "/payments", createBody())
		Expect(w.Code).To(Equal(http.StatusCreated))
		var created payment.Payment
		Expect(json.NewDecoder(w.Body).Decode(&created)).To(Succeed())

		w = do(employer, http.MethodPatch, "/payments/"+jsonInt(created.ID)+"/status", `{"status":"paid"}`)
		Expect(w.Code).To(Equal(http.StatusOK))

		w = do(worker, http.MethodGet, "/jobs/job_1/payment", "")
		Expect(w.Code).To(Equal(http.StatusOK))
		var got payment.Payment
		Expect(json.NewDecoder(w.Body).Decode(&got)).To(Succeed())
		Expect(got.Status).To(Equal(payment.StatusPaid))
		Expect(got.Amount.String()).To(Equal("1.5"))

		w = do(worker, http.MethodGet, "/payments", "")
		Expect(w.Code).To(Equal(http.StatusOK))
	})

	It("returns 409 for a duplicate payment", func() {
		Expect(do(employer, http.MethodPost, "/payments", createBody()).Code).To(Equal(http.StatusCreated))
		w := do(employer, http.MethodPost, "/payments", createBody())
		Expect(w.Code).To(Equal(http.StatusConflict))
		Expect(w.Body.String()).To(ContainSubstring("DUPLICATE_PAYMENT"))
	})

	It("returns 400 for a malformed id", func() {
		w := do(employer, http.MethodGet, "/payments/abc", "")
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 404 for an unknown payment", func() {
		w := do(employer, http.MethodGet, "/payments/77", "")
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("requires authentication", func() {
		w := do(nil, http.MethodPost, "/payments", createBody())
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	Describe("Reconcile", func() {
		It("is limited to admins", func() {
			w := do(employer, http.MethodPost, "/payments/reconcile", `{}`)
			Expect(w.Code).To(Equal(http.StatusForbidden))
		})

		It("sweeps when no target is given", func() {
			w := do(admin, http.MethodPost, "/payments/reconcile", "")
			Expect(w.Code).To(Equal(http.StatusOK))

			var summary payment.Summary
			Expect(json.NewDecoder(w.Body).Decode(&summary)).To(Succeed())
			Expect(summary.Visited).To(BeZero())
		})

		It("rejects two targets", func() {
			w := do(admin, http.MethodPost, "/payments/reconcile", `{"escrow_id":1,"job_id":"job_1"}`)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("maps a missing escrow to 404", func() {
			w := do(admin, http.MethodPost, "/payments/reconcile", `{"escrow_id":9}`)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})
})

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
