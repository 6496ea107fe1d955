package payment_test

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/core/events"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/job"
	jobPostgres "github.com/frahmantamala/escrow-settlement/internal/job/postgres"
	"github.com/frahmantamala/escrow-settlement/internal/ledger"
	"github.com/frahmantamala/escrow-settlement/internal/metrics"
	"github.com/frahmantamala/escrow-settlement/internal/payment"
	paymentPostgres "github.com/frahmantamala/escrow-settlement/internal/payment/postgres"
)

var _ = Describe("Reconciler", func() {
	var (
		ctx        context.Context
		gdb        *gorm.DB
		repo       *paymentPostgres.PaymentRepository
		client     *ledger.SimulatedClient
		bus        *events.EventBus
		log        *eventLog
		mirror     *payment.Mirror
		reconciler *payment.Reconciler
		employerID int64
		workerID   int64
	)

	BeforeEach(func() {
		ctx = context.Background()
		gdb = openDB()
		employerID = seedUser(gdb, "employer@example.com", "employer").ID
		workerID = seedUser(gdb, "worker@example.com", "worker").ID

		lg := discardLogger()
		client = ledger.NewSimulatedClient(escrow.NewContract(adminAddr, platformAddr, 250), lg)
		Expect(client.Connect(ctx)).To(Succeed())

		bus = events.NewEventBus(lg)
		log = newEventLog(bus)
		repo = paymentPostgres.NewPaymentRepository(gdb)
		jobs := job.NewService(jobPostgres.NewJobRepository(gdb), lg)
		m := metrics.New(nil)
		mirror = payment.NewMirror(repo, jobs, bus, m, lg)
		reconciler = payment.NewReconciler(client, mirror, repo, m, payment.ReconcilerConfig{Workers: 3, BatchSize: 2}, lg)
	})

	// attempt stands in for the bridge: the payment row exists and the
	// escrow is on the ledger, but nothing was mirrored.
	attempt := func(jobID, amount string) (*payment.Payment, uint64) {
		seedJob(gdb, jobID, employerID)
		p, err := mirror.Begin(ctx, &payment.Payment{
			JobID:      jobID,
			EmployerID: employerID,
			WorkerID:   workerID,
			Amount:     decimal.RequireFromString(amount),
		})
		Expect(err).NotTo(HaveOccurred())

		call := ledger.CreateEscrowCall(jobID, employerAddr, workerAddr, wei(p.Amount))
		hash, err := client.Submit(ctx, call)
		Expect(err).NotTo(HaveOccurred())
		receipt, err := client.AwaitConfirmation(ctx, call, hash)
		Expect(err).NotTo(HaveOccurred())
		return p, ledger.EscrowOf(receipt.Events[0])
	}

	onChain := func(call ledger.Call) {
		hash, err := client.Submit(ctx, call)
		Expect(err).NotTo(HaveOccurred())
		_, err = client.AwaitConfirmation(ctx, call, hash)
		Expect(err).NotTo(HaveOccurred())
	}

	It("links an escrow the bridge never recorded", func() {
		p, id := attempt("job_1", "1")

		res, err := reconciler.ReconcileJob(ctx, "job_1")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Changed).To(BeTrue())
		Expect(*res.Payment.EscrowID).To(Equal(id))
		Expect(res.Payment.BlockchainStatus).To(Equal(payment.BlockchainStatusFunded))
		Expect(jobStatus(gdb, "job_1")).To(Equal(job.StatusInProgress))

		bus.Wait()
		Expect(log.types()).To(ConsistOf(events.EventTypeEscrowCreated))
		Expect(log.last().Source).To(Equal(events.SourceReconciler))
		Expect(log.last().PaymentID).To(Equal(p.ID))
	})

	It("finds the payment by escrow id", func() {
		_, id := attempt("job_1", "1")

		res, err := reconciler.ReconcileEscrow(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Payment.JobID).To(Equal("job_1"))

		res, err = reconciler.ReconcileEscrow(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Changed).To(BeFalse())
	})

	It("credits an out-of-band release exactly once", func() {
		_, id := attempt("job_1", "2.5")
		onChain(ledger.ConfirmCompletionCall(id, workerAddr))
		onChain(ledger.ReleasePaymentCall(id, employerAddr))

		summary, err := reconciler.ReconcilePending(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Visited).To(Equal(int64(1)))
		Expect(summary.Corrected).To(Equal(int64(1)))
		Expect(summary.Credited).To(Equal(int64(1)))

		summary, err = reconciler.ReconcilePending(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Visited).To(BeZero())

		_, err = reconciler.ReconcileEscrow(ctx, id)
		Expect(err).NotTo(HaveOccurred())

		Expect(earningsOf(gdb, workerID).Equal(decimal.RequireFromString("2.5"))).To(BeTrue())
		Expect(jobStatus(gdb, "job_1")).To(Equal(job.StatusPaid))
	})

	It("lets the ledger win over a stored status it cannot reach", func() {
		p, id := attempt("job_1", "1")
		_, err := mirror.Apply(ctx, p, payment.EscrowState{EscrowID: id, Status: payment.BlockchainStatusCompleted}, events.SourceBridge)
		Expect(err).NotTo(HaveOccurred())

		res, err := reconciler.ReconcileEscrow(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Previous).To(Equal(payment.BlockchainStatusCompleted))
		Expect(res.Payment.BlockchainStatus).To(Equal(payment.BlockchainStatusFunded))
	})

	It("assigns the payee to a job that had no worker", func() {
		attempt("job_w", "1")

		j, err := jobPostgres.NewJobRepository(gdb).GetByID(ctx, "job_w")
		Expect(err).NotTo(HaveOccurred())
		Expect(j.WorkerID).NotTo(BeNil())
		Expect(*j.WorkerID).To(Equal(workerID))
	})

	It("leaves payments without an escrow alone", func() {
		seedJob(gdb, "job_2", employerID)
		_, err := mirror.Begin(ctx, &payment.Payment{JobID: "job_2", EmployerID: employerID, WorkerID: workerID, Amount: decimal.NewFromInt(1)})
		Expect(err).NotTo(HaveOccurred())

		res, err := reconciler.ReconcileJob(ctx, "job_2")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Changed).To(BeFalse())
		Expect(res.Payment.BlockchainStatus).To(Equal(payment.BlockchainStatusNone))
	})

	It("reports unknown escrows", func() {
		_, err := reconciler.ReconcileEscrow(ctx, 404)
		Expect(err).To(MatchError(internal.ErrEscrowNotFound))
	})

	It("reports an unreachable ledger", func() {
		attempt("job_1", "1")
		client.Close()

		_, err := reconciler.ReconcileJob(ctx, "job_1")
		Expect(err).To(MatchError(internal.ErrServiceUnavailable))

		summary, err := reconciler.ReconcilePending(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Failed).To(Equal(int64(1)))
	})

	It("stops when the context is cancelled", func() {
		attempt("job_1", "1")
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := reconciler.ReconcilePending(cancelled)
		Expect(err).To(MatchError(context.Canceled))
	})

	It("leaves no goroutines behind when a sweep with queued work is cancelled", func() {
		for i := 0; i < 4; i++ {
			attempt(fmt.Sprintf("job_%d", i), "1")
		}
		reader := &stallingReader{Reader: client, started: make(chan struct{}, 4)}
		stalled := payment.NewReconciler(reader, mirror, repo, nil, payment.ReconcilerConfig{Workers: 1, BatchSize: 4}, discardLogger())
		baseline := runtime.NumGoroutine()

		sweep, cancel := context.WithCancel(ctx)
		errs := make(chan error, 1)
		go func() {
			_, err := stalled.ReconcilePending(sweep)
			errs <- err
		}()
		Eventually(reader.started).Should(Receive())
		cancel()

		Eventually(errs).Should(Receive(MatchError(context.Canceled)))
		Eventually(runtime.NumGoroutine).Should(BeNumerically("<=", baseline))
	})

	Describe("under random interleavings", func() {
		next := func(r *rand.Rand, s escrow.Status, id uint64) (ledger.Call, bool) {
			switch s {
			case escrow.StatusFunded:
				if r.Intn(3) == 0 {
					return ledger.RaiseDisputeCall(id, employerAddr, "scope"), true
				}
				return ledger.ConfirmCompletionCall(id, workerAddr), true
			case escrow.StatusCompleted:
				if r.Intn(4) == 0 {
					return ledger.RaiseDisputeCall(id, workerAddr, "unpaid"), true
				}
				return ledger.ReleasePaymentCall(id, employerAddr), true
			case escrow.StatusDisputed:
				return ledger.ResolveDisputeCall(id, r.Intn(2) == 0), true
			}
			return ledger.Call{}, false
		}

		for seed := int64(1); seed <= 12; seed++ {
			seed := seed
			It(fmt.Sprintf("converges to the ledger (seed %d)", seed), func() {
				r := rand.New(rand.NewSource(seed))

				type tracked struct {
					payment *payment.Payment
					id      uint64
				}
				var all []tracked
				for i := 0; i < 5; i++ {
					amount := decimal.NewFromInt(int64(r.Intn(5) + 1))
					p, id := attempt(fmt.Sprintf("job_%d_%d", seed, i), amount.String())
					all = append(all, tracked{payment: p, id: id})
				}

				for step := 0; step < 40; step++ {
					t := all[r.Intn(len(all))]
					snap, err := client.GetEscrow(ctx, t.id)
					Expect(err).NotTo(HaveOccurred())

					if call, ok := next(r, snap.Status, t.id); ok {
						onChain(call)
					}

					switch r.Intn(4) {
					case 0:
						// the bridge write after confirmation was lost
					case 1:
						_, err := reconciler.ReconcilePending(ctx)
						Expect(err).NotTo(HaveOccurred())
					default:
						current, err := repo.GetByID(ctx, t.payment.ID)
						Expect(err).NotTo(HaveOccurred())
						after, err := client.GetEscrow(ctx, t.id)
						Expect(err).NotTo(HaveOccurred())
						_, err = mirror.Apply(ctx, current, payment.EscrowState{EscrowID: t.id, Status: after.Status.String()}, events.SourceBridge)
						Expect(err).NotTo(HaveOccurred())
					}
				}

				_, err := reconciler.ReconcilePending(ctx)
				Expect(err).NotTo(HaveOccurred())
				for _, t := range all {
					_, err := reconciler.ReconcileEscrow(ctx, t.id)
					Expect(err).NotTo(HaveOccurred())
				}

				expected := decimal.Zero
				for _, t := range all {
					snap, err := client.GetEscrow(ctx, t.id)
					Expect(err).NotTo(HaveOccurred())
					got, err := repo.GetByID(ctx, t.payment.ID)
					Expect(err).NotTo(HaveOccurred())

					Expect(got.BlockchainStatus).To(Equal(snap.Status.String()))
					Expect(*got.EscrowID).To(Equal(t.id))
					if want, ok := job.StatusForEscrow(got.BlockchainStatus); ok {
						Expect(jobStatus(gdb, got.JobID)).To(Equal(want))
					}
					if snap.Status == escrow.StatusReleased {
						Expect(got.Status).To(Equal(payment.StatusPaid))
						Expect(got.EarningsCredited).To(BeTrue())
						expected = expected.Add(got.Amount)
					} else {
						Expect(got.EarningsCredited).To(BeFalse())
					}
				}
				Expect(earningsOf(gdb, workerID).Equal(expected)).To(BeTrue())
			})
		}
	})
})

// stallingReader holds every ledger lookup until the caller's context ends.
type stallingReader struct {
	ledger.Reader
	started chan struct{}
}

func (r *stallingReader) stall(ctx context.Context) error {
	select {
	case r.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *stallingReader) GetEscrow(ctx context.Context, escrowID uint64) (*escrow.Escrow, error) {
	return nil, r.stall(ctx)
}

func (r *stallingReader) EscrowIDByJob(ctx context.Context, jobID string) (uint64, bool, error) {
	return 0, false, r.stall(ctx)
}
