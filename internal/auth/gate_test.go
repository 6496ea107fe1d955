package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/job"
	"github.com/frahmantamala/escrow-settlement/internal/payment"
	"github.com/frahmantamala/escrow-settlement/internal/user"
)

type stubUsers map[int64]*user.User

func (s stubUsers) GetByID(_ context.Context, id int64) (*user.User, error) {
	if u, ok := s[id]; ok {
		return u, nil
	}
	return nil, internal.ErrUserNotFound
}

type stubJobs map[string]*job.Job

func (s stubJobs) GetJob(_ context.Context, id string) (*job.Job, error) {
	if j, ok := s[id]; ok {
		return j, nil
	}
	return nil, internal.ErrJobNotFound
}

func strPtr(s string) *string { return &s }
func idPtr(id int64) *int64   { return &id }

var _ = ginkgo.Describe("Gate", func() {
	const (
		employerWallet = "0x00000000000000000000000000000000000000e1"
		workerWallet   = "0x00000000000000000000000000000000000000b1"
	)

	var (
		ctx      context.Context
		users    stubUsers
		jobs     stubJobs
		gate     *Gate
		employer = &internal.Actor{UserID: 1, Role: internal.RoleEmployer}
		worker   = &internal.Actor{UserID: 2, Role: internal.RoleWorker}
		stranger = &internal.Actor{UserID: 3, Role: internal.RoleWorker}
		admin    = &internal.Actor{UserID: 4, Role: internal.RoleAdmin}
	)

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		users = stubUsers{
			1: {ID: 1, Role: internal.RoleEmployer, WalletAddress: strPtr(employerWallet)},
			2: {ID: 2, Role: internal.RoleWorker, WalletAddress: strPtr(workerWallet)},
			3: {ID: 3, Role: internal.RoleWorker},
			4: {ID: 4, Role: internal.RoleAdmin},
		}
		jobs = stubJobs{
			"job_1": {ID: "job_1", EmployerID: 1, WorkerID: idPtr(2), Status: job.StatusInProgress},
		}
		gate = NewGate(users, jobs)
	})

	ginkgo.Describe("AuthorizeCreate", func() {
		ginkgo.It("should grant the job owner both wallet addresses", func() {
			grant, err := gate.AuthorizeCreate(ctx, employer, "job_1", 2)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(grant.Employer).To(gomega.Equal(common.HexToAddress(employerWallet)))
			gomega.Expect(grant.Worker).To(gomega.Equal(common.HexToAddress(workerWallet)))
			gomega.Expect(grant.Job.ID).To(gomega.Equal("job_1"))
		})

		ginkgo.It("should refuse anyone but the owner", func() {
			_, err := gate.AuthorizeCreate(ctx, worker, "job_1", 2)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrUnauthorizedActor))
		})

		ginkgo.It("should refuse a worker who is not assigned", func() {
			_, err := gate.AuthorizeCreate(ctx, employer, "job_1", 3)

			appErr, ok := internal.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Type).To(gomega.Equal(internal.ErrorTypeValidation))
		})

		ginkgo.It("should require the worker to have a wallet", func() {
			jobs["job_2"] = &job.Job{ID: "job_2", EmployerID: 1, Status: job.StatusOpen}

			_, err := gate.AuthorizeCreate(ctx, employer, "job_2", 3)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrMissingWalletAddress))
		})

		ginkgo.It("should require the employer to have a wallet", func() {
			users[1].WalletAddress = nil

			_, err := gate.AuthorizeCreate(ctx, employer, "job_1", 2)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrMissingWalletAddress))
			gomega.Expect(err.Error()).To(gomega.ContainSubstring("employer has no registered wallet address"))
		})

		ginkgo.It("should pass through unknown jobs", func() {
			_, err := gate.AuthorizeCreate(ctx, employer, "job_x", 2)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrJobNotFound))
		})
	})

	ginkgo.Describe("party checks", func() {
		var onRecord, offRecord Parties

		ginkgo.BeforeEach(func() {
			e := &escrow.Escrow{
				Employer: common.HexToAddress(employerWallet),
				Worker:   common.HexToAddress(workerWallet),
			}
			onRecord = PartiesOf(&payment.Payment{EmployerID: 1, WorkerID: 2}, e)
			offRecord = PartiesOf(nil, e)
		})

		ginkgo.It("should let only the worker confirm", func() {
			addr, err := gate.AuthorizeConfirm(ctx, worker, onRecord)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(addr).To(gomega.Equal(common.HexToAddress(workerWallet)))

			_, err = gate.AuthorizeConfirm(ctx, employer, onRecord)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrUnauthorizedActor))
		})

		ginkgo.It("should let only the employer release", func() {
			addr, err := gate.AuthorizeRelease(ctx, employer, onRecord)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(addr).To(gomega.Equal(common.HexToAddress(employerWallet)))

			_, err = gate.AuthorizeRelease(ctx, worker, onRecord)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrUnauthorizedActor))
		})

		ginkgo.It("should let either party dispute", func() {
			addr, err := gate.AuthorizeDispute(ctx, employer, onRecord)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(addr).To(gomega.Equal(common.HexToAddress(employerWallet)))

			addr, err = gate.AuthorizeDispute(ctx, worker, onRecord)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(addr).To(gomega.Equal(common.HexToAddress(workerWallet)))

			_, err = gate.AuthorizeDispute(ctx, stranger, onRecord)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrUnauthorizedActor))
		})

		ginkgo.It("should match by wallet when there is no payment on record", func() {
			_, err := gate.AuthorizeConfirm(ctx, worker, offRecord)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			_, err = gate.AuthorizeRelease(ctx, stranger, offRecord)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrUnauthorizedActor))
		})

		ginkgo.It("should not let admins act as a party", func() {
			_, err := gate.AuthorizeRelease(ctx, admin, onRecord)
			gomega.Expect(err).To(gomega.MatchError(internal.ErrUnauthorizedActor))
		})

		ginkgo.It("should restrict resolution to admins", func() {
			gomega.Expect(gate.AuthorizeResolve(admin)).To(gomega.Succeed())
			gomega.Expect(gate.AuthorizeResolve(employer)).To(gomega.MatchError(internal.ErrUnauthorizedActor))
			gomega.Expect(gate.AuthorizeResolve(nil)).To(gomega.MatchError(internal.ErrUnauthorizedActor))
		})
	})
})
