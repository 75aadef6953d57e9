// Package task schedules background agent work. A task is a markdown file
// with YAML front matter under .ship/task/<id>/task.md; each execution gets
// an audit directory holding its input, output, and run record.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Task statuses. Anything other than active keeps the task out of the
// cron loop; manual runs still work.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Definition is one task: metadata plus the prompt body.
type Definition struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Cron        string    `json:"cron,omitempty"` // empty = manual only
	Status      string    `json:"status"`
	ContextID   string    `json:"contextId,omitempty"` // where run results are reported
	Timezone    string    `json:"timezone,omitempty"`  // IANA name; empty = runner default
	Prompt      string    `json:"-"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

type taskFrontMatter struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Cron        string `yaml:"cron"`
	Status      string `yaml:"status"`
	ContextID   string `yaml:"contextId"`
	Timezone    string `yaml:"timezone"`
}

// Active reports whether the cron loop should consider this task.
func (d *Definition) Active() bool {
	return d.Status == StatusActive
}

// Validate checks the definition is runnable.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("task: id is required")
	}
	if strings.TrimSpace(d.Prompt) == "" {
		return fmt.Errorf("task %s: prompt body is empty", d.ID)
	}
	if d.Cron != "" && !gronx.New().IsValid(d.Cron) {
		return fmt.Errorf("task %s: invalid cron expression %q", d.ID, d.Cron)
	}
	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return fmt.Errorf("task %s: invalid timezone %q", d.ID, d.Timezone)
		}
	}
	return nil
}

// ParseDefinition decodes a task.md file.
func ParseDefinition(id string, content []byte) (*Definition, error) {
	def := &Definition{ID: id, Status: StatusActive}

	body := string(content)
	if strings.HasPrefix(body, "---\n") {
		rest := body[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end >= 0 {
			var fm taskFrontMatter
			if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
				return nil, fmt.Errorf("task %s: parse front matter: %w", id, err)
			}
			def.Title = fm.Title
			def.Description = fm.Description
			def.Cron = fm.Cron
			def.ContextID = fm.ContextID
			def.Timezone = fm.Timezone
			if fm.Status != "" {
				def.Status = fm.Status
			}
			body = strings.TrimPrefix(rest[end+len("\n---"):], "\n")
		}
	}
	if def.Title == "" {
		def.Title = id
	}
	def.Prompt = body

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Encode renders the definition back to task.md form.
func (d *Definition) Encode() []byte {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %q\n", d.Title)
	if d.Description != "" {
		fmt.Fprintf(&b, "description: %q\n", d.Description)
	}
	if d.Cron != "" {
		fmt.Fprintf(&b, "cron: %q\n", d.Cron)
	}
	fmt.Fprintf(&b, "status: %q\n", d.Status)
	if d.ContextID != "" {
		fmt.Fprintf(&b, "contextId: %q\n", d.ContextID)
	}
	if d.Timezone != "" {
		fmt.Fprintf(&b, "timezone: %q\n", d.Timezone)
	}
	b.WriteString("---\n")
	b.WriteString(d.Prompt)
	return []byte(b.String())
}
