package http

import "github.com/okinrev/veza-web-app/internal/domain/entities"

// requestFetchBody is request_fetch's body: source_id_or_url names either
// an existing source_id or a remote URL to resolve and claim fresh.
type requestFetchBody struct {
	SourceIDOrURL string `json:"source_id_or_url" validate:"required,max=2048,no_xss,no_sql_injection"`
}

type requestExtractBody struct {
	ModelID string              `json:"model_id" validate:"required,max=64"`
	Stems   []entities.StemName `json:"stems"`
}

type requestRegenerateChordsBody struct {
	Backend string `json:"backend" validate:"required,oneof=primary fallback hybrid"`
}

type jobAcceptedResponse struct {
	AcceptedJobID string `json:"accepted_job_id,omitempty"`
	AlreadyDone   bool   `json:"already_done,omitempty"`
}

type uploadAcceptedResponse struct {
	AcceptedJobID    string            `json:"accepted_job_id"`
	AssignedSourceID entities.SourceID `json:"assigned_source_id"`
}

type jobIDResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error     string            `json:"error"`
	ErrorKind entities.ErrorKind `json:"error_kind,omitempty"`
}
