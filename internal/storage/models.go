package storage

import (
	"time"

	"gorm.io/gorm"
)

// TaskKind enumerates the unit-of-work kinds the Scheduler dispatches.
type TaskKind string

const (
	KindMetadataFetch TaskKind = "metadata-fetch"
	KindModelFile     TaskKind = "model-file"
	KindPreviewImage  TaskKind = "preview-image"
	KindGalleryImage  TaskKind = "gallery-image"
	KindUserImage     TaskKind = "user-image"
)

// TaskStatus is a Task's lifecycle state.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusInFlight    TaskStatus = "in-flight"
	StatusDone        TaskStatus = "done"
	StatusFailed      TaskStatus = "failed"
	StatusQuarantined TaskStatus = "quarantined"
	StatusSkipped     TaskStatus = "skipped"
)

// Pipeline names which of the two scheduling lanes a task belongs to:
// model-metadata/model-file tasks run on the model pipeline, everything
// image-shaped runs on the image pipeline.
type Pipeline string

const (
	PipelineModel Pipeline = "model"
	PipelineImage Pipeline = "image"
)

// PipelineOf returns which pipeline a kind is dispatched on.
func PipelineOf(kind TaskKind) Pipeline {
	switch kind {
	case KindMetadataFetch, KindModelFile:
		return PipelineModel
	default:
		return PipelineImage
	}
}

// Task is the durable record of one unit of work. Payload
// carries the kind-specific detail (URL, destination, declared hash, etc.)
// as opaque JSON so the store schema doesn't change shape per kind.
type Task struct {
	ID      string   `gorm:"primaryKey" json:"id"`
	Kind    TaskKind `gorm:"index;index:idx_task_dedup,unique" json:"kind"`
	Payload string   `json:"payload"` // JSON-encoded TaskPayload

	// RemoteID and TargetPath together with Kind form the idempotency key:
	// the unique index below makes Enqueue idempotent by (kind, remote-id,
	// target-path).
	RemoteID   string `gorm:"index:idx_task_dedup,unique" json:"remote_id"`
	TargetPath string `gorm:"index:idx_task_dedup,unique" json:"target_path"`

	Status TaskStatus `gorm:"index" json:"status"`

	Attempts         int    `json:"attempts"`
	LastErrorClass   string `json:"last_error_class"`
	LastErrorMessage string `json:"last_error_message"`

	QueueOrder int `gorm:"default:0" json:"queue_order"`

	NextAttemptAt time.Time `json:"next_attempt_at"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName pins the table name (matches the explicit TableName
// convention throughout models.go).
func (Task) TableName() string { return "tasks" }

// TaskPayload is the JSON shape stored in Task.Payload. Not every field
// applies to every kind; unused fields are simply empty.
type TaskPayload struct {
	URL          string            `json:"url"`
	Destination  string            `json:"destination"`
	DeclaredSize int64             `json:"declared_size"`
	Hashes       map[string]string `json:"hashes,omitempty"`
	ModelID      int64             `json:"model_id,omitempty"`
	VersionID    int64             `json:"version_id,omitempty"`
	ImageID      int64             `json:"image_id,omitempty"`
	Creator      string            `json:"creator,omitempty"`
}

// DailyStat tracks daily download statistics (bytes and file counts per
// date).
type DailyStat struct {
	Date  string `gorm:"primaryKey"`
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AppSetting is a generic key/value row, read and written through
// GetString/SetString.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// EnumeratedInput records a single processed input line (user handle or
// model id) so the Enumerator can deduplicate across repeated runs/inputs.
type EnumeratedInput struct {
	RemoteID string `gorm:"primaryKey"`
	Kind     string // "user" or "model"
}

func (EnumeratedInput) TableName() string { return "enumerated_inputs" }
