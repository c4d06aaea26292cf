package models

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
)

// IsTerminal reports whether no further mutation is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ImageType string

const (
	ImageTypeHistology ImageType = "HISTOLOGY"
	ImageTypeXRay      ImageType = "XRAY"
	ImageTypeMRI       ImageType = "MRI"
	ImageTypeUnknown   ImageType = "UNKNOWN"
)

// ParseImageType returns the recognized image type for an exact tag, or false.
func ParseImageType(value string) (ImageType, bool) {
	switch ImageType(strings.ToUpper(strings.TrimSpace(value))) {
	case ImageTypeHistology:
		return ImageTypeHistology, true
	case ImageTypeXRay:
		return ImageTypeXRay, true
	case ImageTypeMRI:
		return ImageTypeMRI, true
	default:
		return ImageTypeUnknown, false
	}
}

// ImageTypeFromModality maps free-form modality tags such as "Histopathology"
// or "Magnetic Resonance" onto an image type.
func ImageTypeFromModality(modality string) ImageType {
	m := strings.ToUpper(strings.TrimSpace(modality))
	switch {
	case m == "":
		return ImageTypeUnknown
	case m == string(ImageTypeHistology) || strings.Contains(m, "HIST"):
		return ImageTypeHistology
	case m == string(ImageTypeXRay) || strings.Contains(m, "RAY"):
		return ImageTypeXRay
	case m == string(ImageTypeMRI) || strings.Contains(m, "MAGNETIC"):
		return ImageTypeMRI
	default:
		return ImageTypeUnknown
	}
}

// ResolveImageType prefers an explicit image type and falls back to the modality.
func ResolveImageType(imageType, modality string) ImageType {
	if t, ok := ParseImageType(imageType); ok {
		return t
	}
	return ImageTypeFromModality(modality)
}

// TaskDescriptor carries the immutable fields supplied by the upstream caller.
type TaskDescriptor struct {
	TaskID    string
	ImageID   string
	ImageType string
	Modality  string
	Source    string
	Region    string
	FilePath  string
}

type Task struct {
	TaskID           string
	ImageID          string
	ImageType        ImageType
	Modality         string
	Source           string
	Region           string
	FilePath         string
	Status           TaskStatus
	ResultFilePath   string
	ErrorMessage     string
	ProcessingTimeMS int64
	Version          int64
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewTask builds a PENDING task from a descriptor.
func NewTask(d TaskDescriptor) *Task {
	return &Task{
		TaskID:    d.TaskID,
		ImageID:   d.ImageID,
		ImageType: ResolveImageType(d.ImageType, d.Modality),
		Modality:  d.Modality,
		Source:    d.Source,
		Region:    d.Region,
		FilePath:  d.FilePath,
		Status:    StatusPending,
		Version:   1,
	}
}

// Clone returns a deep copy so callers never share time pointers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// OutboxEvent is an outbound event recorded together with the transition that produced it.
type OutboxEvent struct {
	EventID     string
	TaskID      string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}
