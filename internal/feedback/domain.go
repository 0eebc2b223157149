// Package feedback stores organization feedback items. Its HTTP routes are
// the main consumers of the authorization and CSRF layers.
package feedback

import "time"

// Kind classifies a feedback item.
type Kind string

// Supported kinds.
const (
	KindBug      Kind = "bug"
	KindIdea     Kind = "idea"
	KindQuestion Kind = "question"
	KindPraise   Kind = "praise"
)

// Status tracks triage progress.
type Status string

// Supported statuses.
const (
	StatusOpen     Status = "open"
	StatusPlanned  Status = "planned"
	StatusDone     Status = "done"
	StatusDeclined Status = "declined"
)

// Feedback is a single item submitted to an organization.
type Feedback struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	AuthorID       string    `json:"authorId"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Kind           Kind      `json:"kind"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CreateInput is the payload accepted by POST.
type CreateInput struct {
	Title string `json:"title" validate:"required,min=3,max=200"`
	Body  string `json:"body" validate:"max=10000"`
	Kind  Kind   `json:"kind" validate:"omitempty,oneof=bug idea question praise"`
}

// UpdateInput is the payload accepted by PATCH. Nil fields are unchanged.
type UpdateInput struct {
	Title  *string `json:"title" validate:"omitempty,min=3,max=200"`
	Body   *string `json:"body" validate:"omitempty,max=10000"`
	Status *Status `json:"status" validate:"omitempty,oneof=open planned done declined"`
}

// Empty reports whether the update changes nothing.
func (u UpdateInput) Empty() bool {
	return u.Title == nil && u.Body == nil && u.Status == nil
}
