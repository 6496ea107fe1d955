package payment_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/core/events"
	"github.com/frahmantamala/escrow-settlement/internal/job"
	jobPostgres "github.com/frahmantamala/escrow-settlement/internal/job/postgres"
	"github.com/frahmantamala/escrow-settlement/internal/payment"
	paymentPostgres "github.com/frahmantamala/escrow-settlement/internal/payment/postgres"
)

var _ = Describe("Manual payment Service", func() {
	var (
		ctx      context.Context
		repo     *paymentPostgres.PaymentRepository
		service  *payment.Service
		bus      *events.EventBus
		log      *eventLog
		gdb      *gorm.DB
		employer *internal.Actor
		worker   *internal.Actor
	)

	BeforeEach(func() {
		ctx = context.Background()
		gdb = openDB()
		e := seedUser(gdb, "employer@example.com", "employer")
		w := seedUser(gdb, "worker@example.com", "worker")
		employer = &internal.Actor{UserID: e.ID, Role: internal.RoleEmployer}
		worker = &internal.Actor{UserID: w.ID, Role: internal.RoleWorker}
		seedJob(gdb, "job_1", e.ID)

		lg := discardLogger()
		bus = events.NewEventBus(lg)
		log = newEventLog(bus)
		repo = paymentPostgres.NewPaymentRepository(gdb)
		jobs := job.NewService(jobPostgres.NewJobRepository(gdb), lg)
		service = payment.NewService(repo, jobs, bus, lg)
	})

	create := func(amount string) *payment.Payment {
		p, err := service.CreateManualPayment(ctx, employer, &payment.CreateManualPaymentDTO{
			JobID:    "job_1",
			WorkerID: worker.UserID,
			Amount:   decimal.RequireFromString(amount),
		})
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	Describe("CreateManualPayment", func() {
		It("records a pending payment outside the escrow path", func() {
			p := create("1.25")
			Expect(p.Status).To(Equal(payment.StatusPending))
			Expect(p.UseBlockchain).To(BeFalse())
			Expect(p.BlockchainStatus).To(Equal(payment.BlockchainStatusNone))
			Expect(p.EmployerID).To(Equal(employer.UserID))
		})

		It("rejects a second payment for the job", func() {
			create("1")
			_, err := service.CreateManualPayment(ctx, employer, &payment.CreateManualPaymentDTO{
				JobID: "job_1", WorkerID: worker.UserID, Amount: decimal.NewFromInt(1),
			})
			Expect(err).To(MatchError(internal.ErrDuplicatePayment))
		})

		It("only lets the job's employer pay", func() {
			_, err := service.CreateManualPayment(ctx, worker, &payment.CreateManualPaymentDTO{
				JobID: "job_1", WorkerID: worker.UserID, Amount: decimal.NewFromInt(1),
			})
			Expect(err).To(MatchError(internal.ErrUnauthorizedActor))
		})

		It("validates the amount", func() {
			_, err := service.CreateManualPayment(ctx, employer, &payment.CreateManualPaymentDTO{
				JobID: "job_1", WorkerID: worker.UserID, Amount: decimal.NewFromInt(-1),
			})
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(internal.ErrorTypeValidation))
		})

		It("reports unknown jobs", func() {
			_, err := service.CreateManualPayment(ctx, employer, &payment.CreateManualPaymentDTO{
				JobID: "job_x", WorkerID: worker.UserID, Amount: decimal.NewFromInt(1),
			})
			Expect(err).To(MatchError(job.ErrJobNotFound))
		})
	})

	Describe("UpdateManualStatus", func() {
		It("marks the payment and job paid and announces it", func() {
			p := create("1.25")

			updated, err := service.UpdateManualStatus(ctx, employer, p.ID, &payment.UpdateStatusDTO{Status: payment.StatusPaid})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Status).To(Equal(payment.StatusPaid))
			Expect(updated.PaidDate).NotTo(BeNil())
			Expect(updated.EarningsCredited).To(BeTrue())
			Expect(earningsOf(gdb, worker.UserID).Equal(decimal.RequireFromString("1.25"))).To(BeTrue())
			Expect(jobStatus(gdb, "job_1")).To(Equal(job.StatusPaid))

			bus.Wait()
			Expect(log.types()).To(ConsistOf(events.EventTypeManualPaid))
			Expect(log.last().Source).To(Equal(events.SourceManual))

			got, err := service.GetPaymentByJob(ctx, worker, "job_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(p.ID))
		})

		It("allows overdue without crediting", func() {
			p := create("1")
			updated, err := service.UpdateManualStatus(ctx, employer, p.ID, &payment.UpdateStatusDTO{Status: payment.StatusOverdue})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.EarningsCredited).To(BeFalse())
		})

		It("rejects statuses outside the manual set", func() {
			p := create("1")
			_, err := service.UpdateManualStatus(ctx, employer, p.ID, &payment.UpdateStatusDTO{Status: "released"})
			Expect(err).To(HaveOccurred())
		})

		It("refuses payments the bridge manages", func() {
			p := create("1")
			_, err := repo.MarkEscrowAttempt(ctx, p)
			Expect(err).NotTo(HaveOccurred())

			_, err = service.UpdateManualStatus(ctx, employer, p.ID, &payment.UpdateStatusDTO{Status: payment.StatusPaid})
			Expect(err).To(MatchError(payment.ErrBlockchainManaged))
		})

		It("is limited to the employer", func() {
			p := create("1")
			_, err := service.UpdateManualStatus(ctx, worker, p.ID, &payment.UpdateStatusDTO{Status: payment.StatusPaid})
			Expect(err).To(MatchError(internal.ErrUnauthorizedActor))
		})
	})

	Describe("reads", func() {
		It("hides payments from outsiders", func() {
			p := create("1")
			outsider := &internal.Actor{UserID: 999, Role: internal.RoleWorker}

			_, err := service.GetPayment(ctx, outsider, p.ID)
			Expect(err).To(MatchError(internal.ErrUnauthorizedActor))

			admin := &internal.Actor{UserID: 1000, Role: internal.RoleAdmin}
			_, err = service.GetPayment(ctx, admin, p.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("lists the caller's payments", func() {
			create("1")
			list, err := service.ListMyPayments(ctx, worker, 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
		})
	})
})
