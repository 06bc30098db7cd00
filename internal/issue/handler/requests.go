package handler

import (
	"strings"

	"odmflush/internal/issue"
	dErrors "odmflush/pkg/domain-errors"
)

const maxTitleLength = 200

// CreateIssueRequest is the body of POST /issues.
type CreateIssueRequest struct {
	Title string `json:"title"`
}

func (r *CreateIssueRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "request body is required")
	}
	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "title is required")
	}
	if len(r.Title) > maxTitleLength {
		return dErrors.New(dErrors.CodeInvalidInput, "title must be at most 200 characters")
	}
	return nil
}

// UpdateIssueRequest is the body of PATCH /issues/{id}. Every listed edit is
// flushed as one write.
type UpdateIssueRequest struct {
	Title       *string              `json:"title,omitempty"`
	AddTasks    []string             `json:"add_tasks,omitempty"`
	RenameTasks map[int]string       `json:"rename_tasks,omitempty"`
	RemoveTasks []int                `json:"remove_tasks,omitempty"`
	AddComments []issue.CommentInput `json:"add_comments,omitempty"`
	AddRelated  []string             `json:"add_related,omitempty"`
}

func (r *UpdateIssueRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "request body is required")
	}
	if r.Title != nil {
		title := strings.TrimSpace(*r.Title)
		if title == "" {
			return dErrors.New(dErrors.CodeInvalidInput, "title must not be empty")
		}
		r.Title = &title
	}
	for i, t := range r.AddTasks {
		r.AddTasks[i] = strings.TrimSpace(t)
		if r.AddTasks[i] == "" {
			return dErrors.New(dErrors.CodeInvalidInput, "add_tasks entries must not be empty")
		}
	}
	for index, t := range r.RenameTasks {
		if index < 0 {
			return dErrors.New(dErrors.CodeInvalidInput, "rename_tasks positions must not be negative")
		}
		r.RenameTasks[index] = strings.TrimSpace(t)
		if r.RenameTasks[index] == "" {
			return dErrors.New(dErrors.CodeInvalidInput, "rename_tasks titles must not be empty")
		}
	}
	for _, index := range r.RemoveTasks {
		if index < 0 {
			return dErrors.New(dErrors.CodeInvalidInput, "remove_tasks positions must not be negative")
		}
	}
	for _, c := range r.AddComments {
		if strings.TrimSpace(c.Body) == "" {
			return dErrors.New(dErrors.CodeInvalidInput, "comment body is required")
		}
	}
	for _, id := range r.AddRelated {
		if strings.TrimSpace(id) == "" {
			return dErrors.New(dErrors.CodeInvalidInput, "add_related entries must not be empty")
		}
	}
	if r.Title == nil && len(r.AddTasks) == 0 && len(r.RenameTasks) == 0 && len(r.RemoveTasks) == 0 &&
		len(r.AddComments) == 0 && len(r.AddRelated) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "no changes requested")
	}
	return nil
}

// Changes converts the request into service edits.
func (r *UpdateIssueRequest) Changes() issue.Changes {
	return issue.Changes{
		Title:       r.Title,
		AddTasks:    r.AddTasks,
		RenameTasks: r.RenameTasks,
		RemoveTasks: r.RemoveTasks,
		AddComments: r.AddComments,
		AddRelated:  r.AddRelated,
	}
}
