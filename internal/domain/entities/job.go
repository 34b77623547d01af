package entities

import "time"

// Stage is one of the four pipeline stages a Job can belong to.
type Stage string

const (
	StageFetch       Stage = "fetch"
	StageAnalyze     Stage = "analyze"
	StageExtract     Stage = "extract"
	StagePostExtract Stage = "post_extract"
)

// ResourceTag names a bounded compute resource a Job must hold a slot of
// before entering WORKING.
type ResourceTag string

const (
	ResourceCPU ResourceTag = "cpu"
	ResourceGPU ResourceTag = "gpu"
)

// JobState is the terminal-once lifecycle of a Job, owned exclusively by
// the Job Queue.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// ErrorKind is the closed §7 error taxonomy, used to classify terminal
// failures without leaking backend-specific detail to users.
type ErrorKind string

const (
	ErrSourceUnavailable ErrorKind = "source_unavailable"
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrSourceTooLong     ErrorKind = "source_too_long"
	ErrUploadTooLarge    ErrorKind = "upload_too_large"
	ErrBadInput          ErrorKind = "bad_input"
	ErrCodecFailure      ErrorKind = "codec_failure"
	ErrSeparatorFailure  ErrorKind = "separator_failure"
	ErrAnalyzerFailure   ErrorKind = "analyzer_failure"
	ErrOutOfResource     ErrorKind = "out_of_resource"
	ErrStorageFailure    ErrorKind = "storage_failure"
	ErrInterrupted       ErrorKind = "interrupted"
	ErrTimeout           ErrorKind = "timeout"
	ErrCancelled         ErrorKind = "cancelled"
)

// Retryable reports whether the Stage Runner should re-enqueue a job that
// failed with this kind, per the §7 propagation policy.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrRateLimited, ErrOutOfResource:
		return true
	default:
		return false
	}
}

// JobParameters carries stage-specific input. Only the fields relevant to
// the job's Stage are populated.
type JobParameters struct {
	// fetch / upload
	SourceURLOrID string `json:"source_url_or_id,omitempty"`
	UploadToken   string `json:"upload_token,omitempty"`
	Filename      string `json:"filename,omitempty"`

	// extract
	ModelID         string     `json:"model_id,omitempty"`
	RequestedStems  []StemName `json:"requested_stems,omitempty"`

	// regenerate chords
	ChordBackend string `json:"chord_backend,omitempty"`
}

// Job is the unit of scheduled work owned exclusively by the Job Queue.
type Job struct {
	JobID          string        `json:"job_id" db:"job_id"`
	SourceID       SourceID      `json:"source_id" db:"source_id"`
	Stage          Stage         `json:"stage" db:"stage"`
	ClaimantUserID UserID        `json:"claimant_user_id" db:"claimant_user_id"`
	ResourceTag    ResourceTag   `json:"resource_tag" db:"resource_tag"`
	Parameters     JobParameters `json:"parameters" db:"-"`
	State          JobState      `json:"state" db:"state"`
	ErrorKind      ErrorKind     `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage   string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
	RetryCount     int           `json:"retry_count" db:"retry_count"`
}

// Terminal reports whether the job has reached one of its terminal states.
func (j *Job) Terminal() bool {
	switch j.State {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobHistoryFilter narrows ListHistory results.
type JobHistoryFilter struct {
	UserID   *UserID
	SourceID *SourceID
	Stage    *Stage
	State    *JobState
	Page     int
	PageSize int
}
