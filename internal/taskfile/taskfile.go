// Package taskfile reads batches of worker tasks from YAML files or from
// markdown files with YAML frontmatter.
package taskfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Task is one spawn request read from a file
type Task struct {
	Name        string         `yaml:"name"`
	AgentType   string         `yaml:"agent_type"`
	Description string         `yaml:"description"`
	Payload     map[string]any `yaml:"payload"`
	// Repeat spawns the task this many times; zero means once
	Repeat int `yaml:"repeat"`
}

// File is the document layout of a YAML task file
type File struct {
	Defaults struct {
		AgentType string `yaml:"agent_type"`
	} `yaml:"defaults"`
	Tasks []Task `yaml:"tasks"`
}

// Load reads the tasks of a .yaml/.yml file or a markdown file (.md)
func Load(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		task, err := ParseMarkdown(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if task.Name == "" {
			task.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		return Expand([]Task{*task}), nil
	default:
		tasks, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return tasks, nil
	}
}

// Parse decodes a YAML task file, applies its defaults and expands repeats
func Parse(data []byte) ([]Task, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, errors.New("task file has no tasks")
	}

	var errs []error
	for i := range f.Tasks {
		t := &f.Tasks[i]
		if t.AgentType == "" {
			t.AgentType = f.Defaults.AgentType
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("task-%d", i+1)
		}
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return Expand(f.Tasks), nil
}

// Validate checks a single task
func (t Task) Validate() error {
	if t.AgentType == "" {
		return fmt.Errorf("task %q: agent_type is required", t.Name)
	}
	if t.Repeat < 0 {
		return fmt.Errorf("task %q: repeat must not be negative", t.Name)
	}
	return nil
}

// Expand replaces every task with Repeat > 1 by that many numbered copies
func Expand(tasks []Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Repeat <= 1 {
			t.Repeat = 0
			out = append(out, t)
			continue
		}
		n := t.Repeat
		for i := 1; i <= n; i++ {
			c := t
			c.Repeat = 0
			c.Name = fmt.Sprintf("%s#%d", t.Name, i)
			out = append(out, c)
		}
	}
	return out
}

// ParseMarkdown reads a task from markdown content. The YAML frontmatter
// carries the task fields and the body becomes the description unless the
// frontmatter sets one.
func ParseMarkdown(content []byte) (*Task, error) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return nil, errors.New("markdown task needs YAML frontmatter")
	}

	// Find end of frontmatter
	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return nil, errors.New("unterminated frontmatter")
	}
	fmData := rest[:endIdx]
	body := bytes.TrimSpace(rest[endIdx+4:]) // skip \n---

	var t Task
	if err := yaml.Unmarshal(fmData, &t); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	if t.Description == "" {
		t.Description = string(body)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
