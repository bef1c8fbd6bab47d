package model

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

type TaskState string

const (
	StateCreated    TaskState = "Created"
	StateInProgress TaskState = "InProgress"
	StateDone       TaskState = "Done"
	StateFailed     TaskState = "Failed"
)

// transitions lists the only forward moves a task may make.
var transitions = map[TaskState]map[TaskState]bool{
	StateCreated:    {StateInProgress: true},
	StateInProgress: {StateDone: true, StateFailed: true},
}

func CanTransition(from, to TaskState) bool {
	return transitions[from][to]
}

func (s TaskState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

func ParseTaskState(s string) (TaskState, error) {
	switch st := TaskState(s); st {
	case StateCreated, StateInProgress, StateDone, StateFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown task state %q", s)
}

type Task struct {
	ID               int64     `json:"taskId"`
	State            TaskState `json:"state"`
	OriginalAssetRef string    `json:"originalAssetRef,omitempty"`
	DerivedAssetRef  string    `json:"derivedAssetRef,omitempty"`
	CreatedAt        time.Time `json:"createdAt,omitzero"`
	UpdatedAt        time.Time `json:"updatedAt,omitzero"`
}

var (
	ErrMissingOriginal = errors.New("task has no original asset")
	ErrDerivedMismatch = errors.New("derived asset must be present exactly when the task is done")
)

// Validate reports whether the task satisfies the record invariants.
func (t Task) Validate() error {
	if t.OriginalAssetRef == "" {
		return ErrMissingOriginal
	}
	if _, err := ParseTaskState(string(t.State)); err != nil {
		return err
	}
	if (t.DerivedAssetRef != "") != (t.State == StateDone) {
		return ErrDerivedMismatch
	}
	return nil
}

// WorkItem is the queue message. It is a snapshot taken at enqueue time and
// only a hint: consumers re-read the task before acting on it.
type WorkItem struct {
	TaskID           int64     `json:"taskId"`
	OriginalFilePath string    `json:"originalFilePath"`
	TaskState        TaskState `json:"taskState"`
}

func NewWorkItem(t Task) WorkItem {
	return WorkItem{
		TaskID:           t.ID,
		OriginalFilePath: t.OriginalAssetRef,
		TaskState:        t.State,
	}
}

type Variant string

const (
	VariantOriginal Variant = "original"
	VariantFlipped  Variant = "flipped"
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(s)); v {
	case VariantOriginal, VariantFlipped:
		return v, nil
	}
	return "", fmt.Errorf("unknown asset variant %q", s)
}

const derivedSuffix = "-flipped"

// OriginalKey builds the blob key for an uploaded image. ext is used when the
// client filename carries no usable name.
func OriginalKey(id int64, filename, ext string) string {
	name := sanitizeFilename(filename)
	if name == "" {
		name = "image" + ext
	} else if path.Ext(name) == "" {
		name += ext
	}
	return fmt.Sprintf("tasks/%d/%s", id, name)
}

// DerivedKey returns the key of the transformed asset for an original key:
// "a/b/cat.jpg" becomes "a/b/cat-flipped.jpg", "a/b/cat" becomes "a/b/cat-flipped".
func DerivedKey(originalKey string) string {
	dir, file := path.Split(originalKey)
	if ext := path.Ext(file); ext != "" && ext != file {
		return dir + strings.TrimSuffix(file, ext) + derivedSuffix + ext
	}
	return originalKey + derivedSuffix
}

func sanitizeFilename(filename string) string {
	// Clients may send windows paths.
	filename = filename[strings.LastIndexAny(filename, `/\`)+1:]
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), ".")
	if len(name) > 128 {
		name = name[len(name)-128:]
	}
	return name
}
