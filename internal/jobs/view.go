package jobs

import "time"

// View is the client-facing JSON shape of a job.
type View struct {
	JobID           string         `json:"job_id"`
	Status          Status         `json:"status"`
	Progress        int            `json:"progress"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	FailedAt        *time.Time     `json:"failed_at,omitempty"`
	CancelledAt     *time.Time     `json:"cancelled_at,omitempty"`
	RetryCount      int            `json:"retry_count"`
	CancelRequested bool           `json:"cancel_requested"`
	Params          Params         `json:"params"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Result          *Result        `json:"result,omitempty"`
	Error           *Error         `json:"error,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// ToView projects a job onto its client-facing shape. Result and error are
// only exposed in their matching terminal status.
func ToView(j *Job) View {
	v := View{
		JobID:           j.ID,
		Status:          j.Status,
		Progress:        j.Progress,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		FailedAt:        j.FailedAt,
		CancelledAt:     j.CancelledAt,
		RetryCount:      j.RetryCount,
		CancelRequested: j.CancelRequested,
		Params:          j.Params,
		Metadata:        j.Metadata,
		ExpiresAt:       j.TTLExpiresAt,
	}
	switch j.Status {
	case StatusCompleted:
		v.Result = j.Result
	case StatusFailed:
		v.Error = j.Error
	case StatusPending, StatusProcessing, StatusCancelled:
	}
	return v
}

// ListView is the client-facing shape of a page of jobs.
type ListView struct {
	Jobs     []View `json:"jobs"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// ToListView projects a page of jobs.
func ToListView(p ListPage) ListView {
	out := ListView{Jobs: make([]View, 0, len(p.Jobs)), Total: p.Total, Page: p.Page, PageSize: p.PageSize}
	for _, j := range p.Jobs {
		out.Jobs = append(out.Jobs, ToView(j))
	}
	return out
}
