package model

import "time"

// SubmitRequest starts the pipeline for an already-staged upload.
type SubmitRequest struct {
	AssetID string `json:"assetId" validate:"required"`
	UserID  string `json:"userId" validate:"required"`
	TempKey string `json:"tempKey" validate:"required"`
}

// SubmitResponse acknowledges an accepted pipeline submission.
type SubmitResponse struct {
	AssetID         string         `json:"assetId"`
	LifecycleStatus LifecycleState `json:"lifecycleStatus"`
	SubmittedAt     time.Time      `json:"submittedAt"`
}

// UploadResponse is returned after a direct upload is staged and submitted.
type UploadResponse struct {
	AssetID         string         `json:"assetId"`
	LifecycleStatus LifecycleState `json:"lifecycleStatus"`
	Size            int64          `json:"size"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// StatusResponse is a read-only snapshot of an asset's pipeline state.
type StatusResponse struct {
	AssetID          string                `json:"assetId"`
	LifecycleStatus  LifecycleState        `json:"lifecycleStatus"`
	ProcessingStatus map[string]StageState `json:"processingStatus"`
	Artifacts        map[string]string     `json:"artifacts,omitempty"`
	Metadata         *Metadata             `json:"metadata,omitempty"`
	Error            *string               `json:"error,omitempty"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}
