package domain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// DeployJob is one unit of pipeline work. It is immutable once enqueued.
type DeployJob struct {
	BuildID       string `json:"buildId" validate:"required,max=128"`
	UserID        string `json:"userId" validate:"required,max=128"`
	ProjectID     string `json:"projectId" validate:"required,max=128"`
	VersionID     string `json:"versionId" validate:"required,max=128"`
	BaseVersionID string `json:"baseVersionId,omitempty" validate:"omitempty,max=128"`
	ProjectPath   string `json:"projectPath" validate:"required"`
	Prompt        string `json:"prompt,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func jobValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks required identifiers and trims surrounding whitespace.
func (j *DeployJob) Validate() error {
	j.BuildID = strings.TrimSpace(j.BuildID)
	j.UserID = strings.TrimSpace(j.UserID)
	j.ProjectID = strings.TrimSpace(j.ProjectID)
	j.VersionID = strings.TrimSpace(j.VersionID)
	j.BaseVersionID = strings.TrimSpace(j.BaseVersionID)
	j.ProjectPath = strings.TrimSpace(j.ProjectPath)
	if err := jobValidator().Struct(j); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s:%s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.Join(fields, ","))
		}
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// RollbackRequest asks the pipeline to republish a prior version's artifact.
type RollbackRequest struct {
	UserID          string `json:"userId" validate:"required"`
	ProjectID       string `json:"projectId" validate:"required"`
	TargetVersionID string `json:"targetVersionId" validate:"required"`
	NewVersionID    string `json:"newVersionId" validate:"required"`
}

// Validate checks the rollback identifiers.
func (r RollbackRequest) Validate() error {
	if err := jobValidator().Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}
