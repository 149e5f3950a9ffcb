package models

import (
	"path/filepath"
	"time"
)

// Project is a named workspace directory that Runs execute against.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	LocalPath string    `json:"local_path"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateProjectRequest contains fields for creating a project.
type CreateProjectRequest struct {
	Name      string `json:"name"`
	LocalPath string `json:"local_path"`
}

// Validate checks required fields. LocalPath must be absolute so that
// workflow steps have an unambiguous workspace root.
func (r *CreateProjectRequest) Validate() *FieldError {
	if r.Name == "" {
		return &FieldError{Field: "name", Message: "name is required"}
	}
	if r.LocalPath == "" {
		return &FieldError{Field: "local_path", Message: "local_path is required"}
	}
	if !filepath.IsAbs(r.LocalPath) {
		return &FieldError{Field: "local_path", Message: "local_path must be an absolute path"}
	}
	return nil
}

// FieldError reports a single invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
