package job_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/job"
)

type mockJobRepository struct {
	jobs         map[string]*job.Job
	createError  error
	getError     error
	updateError  error
	statusWrites []string
}

func newMockJobRepository() *mockJobRepository {
	return &mockJobRepository{jobs: make(map[string]*job.Job)}
}

func (m *mockJobRepository) Create(_ context.Context, j *job.Job) error {
	if m.createError != nil {
		return m.createError
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *mockJobRepository) GetByID(_ context.Context, id string) (*job.Job, error) {
	if m.getError != nil {
		return nil, m.getError
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return j, nil
}

func (m *mockJobRepository) GetByEmployerID(_ context.Context, employerID int64, limit, offset int) ([]*job.Job, error) {
	if m.getError != nil {
		return nil, m.getError
	}
	var out []*job.Job
	for _, j := range m.jobs {
		if j.EmployerID == employerID {
			out = append(out, j)
		}
	}
	if offset >= len(out) {
		return []*job.Job{}, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (m *mockJobRepository) UpdateStatus(_ context.Context, id string, status string) error {
	if m.updateError != nil {
		return m.updateError
	}
	j, ok := m.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	j.Status = status
	m.statusWrites = append(m.statusWrites, status)
	return nil
}

func (m *mockJobRepository) AssignWorker(_ context.Context, id string, workerID int64) error {
	if m.updateError != nil {
		return m.updateError
	}
	j, ok := m.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	j.WorkerID = &workerID
	return nil
}

var _ = Describe("Job Service", func() {
	var (
		repo     *mockJobRepository
		service  *job.Service
		ctx      context.Context
		employer *internal.Actor
		worker   *internal.Actor
	)

	BeforeEach(func() {
		repo = newMockJobRepository()
		service = job.NewService(repo, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
		ctx = context.Background()
		employer = &internal.Actor{UserID: 1, Role: internal.RoleEmployer}
		worker = &internal.Actor{UserID: 2, Role: internal.RoleWorker}
	})

	Describe("CreateJob", func() {
		It("creates an open job owned by the employer", func() {
			// Given
			dto := &job.CreateJobDTO{ID: "job_1", Title: "Logo design", Budget: decimal.RequireFromString("1.5")}

			// When
			j, err := service.CreateJob(ctx, employer, dto)

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(j.EmployerID).To(Equal(int64(1)))
			Expect(j.Status).To(Equal(job.StatusOpen))
			Expect(repo.jobs).To(HaveKey("job_1"))
		})

		It("rejects workers", func() {
			_, err := service.CreateJob(ctx, worker, &job.CreateJobDTO{ID: "job_1", Title: "x", Budget: decimal.NewFromInt(1)})

			Expect(errors.Is(err, internal.ErrUnauthorizedActor)).To(BeTrue())
			Expect(repo.jobs).To(BeEmpty())
		})

		It("validates the budget", func() {
			_, err := service.CreateJob(ctx, employer, &job.CreateJobDTO{ID: "job_1", Title: "x", Budget: decimal.Zero})

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeValidationFailed))
		})

		It("wraps repository failures", func() {
			repo.createError = errors.New("duplicate key")

			_, err := service.CreateJob(ctx, employer, &job.CreateJobDTO{ID: "job_1", Title: "x", Budget: decimal.NewFromInt(1)})

			Expect(err).To(MatchError(ContainSubstring("duplicate key")))
		})
	})

	Describe("GetJobForActor", func() {
		BeforeEach(func() {
			workerID := int64(2)
			repo.jobs["job_1"] = &job.Job{ID: "job_1", EmployerID: 1, WorkerID: &workerID, Status: job.StatusInProgress, CreatedAt: time.Now()}
		})

		It("allows both parties and admins", func() {
			for _, actor := range []*internal.Actor{employer, worker, {UserID: 9, Role: internal.RoleAdmin}} {
				j, err := service.GetJobForActor(ctx, actor, "job_1")
				Expect(err).NotTo(HaveOccurred())
				Expect(j.ID).To(Equal("job_1"))
			}
		})

		It("hides the job from strangers", func() {
			_, err := service.GetJobForActor(ctx, &internal.Actor{UserID: 5, Role: internal.RoleWorker}, "job_1")
			Expect(errors.Is(err, internal.ErrUnauthorizedActor)).To(BeTrue())
		})

		It("reports missing jobs", func() {
			_, err := service.GetJobForActor(ctx, employer, "missing")
			Expect(errors.Is(err, job.ErrJobNotFound)).To(BeTrue())
		})
	})

	Describe("progress updates", func() {
		BeforeEach(func() {
			repo.jobs["job_1"] = &job.Job{ID: "job_1", EmployerID: 1, Status: job.StatusOpen}
		})

		It("assigns the worker and moves the status", func() {
			Expect(service.AssignWorker(ctx, "job_1", 2)).To(Succeed())
			Expect(service.UpdateStatus(ctx, "job_1", job.StatusInProgress)).To(Succeed())

			Expect(repo.jobs["job_1"].IsAssignedTo(2)).To(BeTrue())
			Expect(repo.statusWrites).To(Equal([]string{job.StatusInProgress}))
		})

		It("reports closed jobs", func() {
			Expect(repo.jobs["job_1"].IsClosed()).To(BeFalse())
			repo.jobs["job_1"].Status = job.StatusPaid
			Expect(repo.jobs["job_1"].IsClosed()).To(BeTrue())
		})

		It("clamps pagination", func() {
			jobs, err := service.ListEmployerJobs(ctx, 1, 0, -3)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
		})
	})
})
