package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	jobDatamodel "github.com/frahmantamala/escrow-settlement/internal/core/datamodel/job"
	"github.com/frahmantamala/escrow-settlement/internal/job"
)

// JobRepository implements job.Repository using GORM
type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, j *job.Job) error {
	model := job.ToDataModel(j)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	j.CreatedAt = model.CreatedAt
	j.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*job.Job, error) {
	var model jobDatamodel.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, job.ErrJobNotFound
		}
		return nil, err
	}
	return job.FromDataModel(&model), nil
}

func (r *JobRepository) GetByEmployerID(ctx context.Context, employerID int64, limit, offset int) ([]*job.Job, error) {
	var models []*jobDatamodel.Job
	err := r.db.WithContext(ctx).
		Where("employer_id = ?", employerID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	jobs := make([]*job.Job, 0, len(models))
	for _, m := range models {
		jobs = append(jobs, job.FromDataModel(m))
	}
	return jobs, nil
}

func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status string) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	})
}

func (r *JobRepository) AssignWorker(ctx context.Context, id string, workerID int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"worker_id":  workerID,
		"updated_at": time.Now().UTC(),
	})
}

func (r *JobRepository) update(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&jobDatamodel.Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

var _ job.Repository = (*JobRepository)(nil)
