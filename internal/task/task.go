// Package task defines the on-disk task model: a markdown document with a
// YAML frontmatter header carrying scheduling metadata, followed by free-form
// body content the scheduler never interprets.
package task

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Priority orders tasks for assignment.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to a comparable weight. Higher ranks are assigned first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// Valid reports whether the priority is one of the four accepted values.
func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// ParsePriority validates a raw header value.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.TrimSpace(raw))
	if !p.Valid() {
		return "", fmt.Errorf("task: unknown priority %q", raw)
	}
	return p, nil
}

// StatusInProgress is the header status recorded for the lifetime of a claim.
// Unclaimed tasks carry no status field at all.
const StatusInProgress = "in_progress"

// Header field names used by the scheduler. Producers may add arbitrary extra
// fields; those survive claim/release round-trips untouched.
const (
	FieldTaskID               = "task_id"
	FieldPriority             = "priority"
	FieldTaskType             = "task_type"
	FieldRequiredCapabilities = "required_capabilities"
	FieldCreatedAt            = "created_at"
	FieldReclaimCount         = "reclaim_count"
	FieldTimeoutMinutes       = "timeout_minutes"
	FieldClaimedBy            = "claimed_by"
	FieldClaimedAt            = "claimed_at"
	FieldStatus               = "status"
)

// Metadata is the parsed scheduling header of a task file.
type Metadata struct {
	TaskID               string
	Priority             Priority
	TaskType             string
	RequiredCapabilities []string
	CreatedAt            time.Time
	ReclaimCount         int
	TimeoutMinutes       int

	// Claim state; zero values when the task is unclaimed.
	ClaimedBy string
	ClaimedAt time.Time
	Status    string
}

// Claimed reports whether the metadata carries an active claim.
func (m Metadata) Claimed() bool {
	return m.ClaimedBy != ""
}

// Defaults supplies the values the engine applies when optional header fields
// are absent. The validator never applies them.
type Defaults struct {
	Priority       Priority
	TimeoutMinutes int
}

// IsTaskFile reports whether a directory entry name follows the task file
// naming convention. Stray notes, lock files, and hidden files are excluded,
// which keeps derived workload counts honest.
func IsTaskFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".md")
}

// Stem returns the filename without directory or extension; it doubles as the
// fallback task id for headers that omit one.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// MetadataFromDocument extracts scheduling metadata from a parsed document,
// applying defaults for absent optional fields. The filename stem stands in
// for a missing task_id.
func MetadataFromDocument(doc *Document, path string, defaults Defaults) (Metadata, error) {
	meta := Metadata{
		Priority:       defaults.Priority,
		TimeoutMinutes: defaults.TimeoutMinutes,
	}
	if meta.Priority == "" {
		meta.Priority = PriorityMedium
	}
	meta.TaskID = strings.TrimSpace(doc.HeaderString(FieldTaskID))
	if meta.TaskID == "" {
		meta.TaskID = Stem(path)
	}
	if raw := doc.HeaderString(FieldPriority); raw != "" {
		p, err := ParsePriority(raw)
		if err != nil {
			return Metadata{}, err
		}
		meta.Priority = p
	}
	meta.TaskType = strings.TrimSpace(doc.HeaderString(FieldTaskType))
	caps, err := doc.HeaderStringList(FieldRequiredCapabilities)
	if err != nil {
		return Metadata{}, fmt.Errorf("task: parse %s: %w", FieldRequiredCapabilities, err)
	}
	meta.RequiredCapabilities = caps
	if raw := doc.HeaderString(FieldCreatedAt); raw != "" {
		created, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Metadata{}, fmt.Errorf("task: parse %s: %w", FieldCreatedAt, err)
		}
		meta.CreatedAt = created.UTC()
	}
	if n, ok, err := doc.HeaderInt(FieldReclaimCount); err != nil {
		return Metadata{}, fmt.Errorf("task: parse %s: %w", FieldReclaimCount, err)
	} else if ok {
		meta.ReclaimCount = n
	}
	if n, ok, err := doc.HeaderInt(FieldTimeoutMinutes); err != nil {
		return Metadata{}, fmt.Errorf("task: parse %s: %w", FieldTimeoutMinutes, err)
	} else if ok {
		meta.TimeoutMinutes = n
	}
	meta.ClaimedBy = strings.TrimSpace(doc.HeaderString(FieldClaimedBy))
	if raw := doc.HeaderString(FieldClaimedAt); raw != "" {
		claimed, err := time.Parse(time.RFC3339, raw)
		if err == nil {
			meta.ClaimedAt = claimed.UTC()
		}
	}
	meta.Status = strings.TrimSpace(doc.HeaderString(FieldStatus))
	return meta, nil
}

// NormalizeCapabilities trims, deduplicates, and sorts a capability set.
// Matching stays case-sensitive; duplicates in a requirement list behave
// identically to a single occurrence.
func NormalizeCapabilities(caps []string) []string {
	if len(caps) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		trimmed := strings.TrimSpace(c)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
