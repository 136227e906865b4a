// Package pipeline loads a YAML pipeline definition and expands it into the
// ordered job queue consumed by the executors.
//
// A pipeline names its processing units (subject/session pairs) and a list of
// stages. Each stage runs once per study, once per subject or once per
// session, and may list earlier stages it must run after. Stages are expanded
// in file order, so the resulting queue already respects every dependency.
package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/stagerun/internal/graph"
	"github.com/me/stagerun/pkg/model"
)

// Pipeline is the parsed definition file.
type Pipeline struct {
	// FlagDir holds the done-flags, one file per job.
	FlagDir string `yaml:"flag_dir"`
	// WorkDir is the root of the per-job scratch directories. Empty disables them.
	WorkDir string `yaml:"work_dir"`
	// Units lists the session-level units as [subject, session] pairs.
	// A single-element entry is a subject without sessions.
	Units  [][]string `yaml:"units"`
	Stages []Stage    `yaml:"stages"`
}

// Stage describes one processing step.
type Stage struct {
	Name      string            `yaml:"name"`
	Domain    model.Domain      `yaml:"domain"`
	Command   []string          `yaml:"command"`
	Env       map[string]string `yaml:"env"`
	Resources model.Resources   `yaml:"resources"`
	After     []string          `yaml:"after"`
}

// Load reads and parses the pipeline file at path. Relative flag and work
// directories are resolved against the file's directory.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	base := filepath.Dir(path)
	if p.FlagDir != "" && !filepath.IsAbs(p.FlagDir) {
		p.FlagDir = filepath.Join(base, p.FlagDir)
	}
	if p.WorkDir != "" && !filepath.IsAbs(p.WorkDir) {
		p.WorkDir = filepath.Join(base, p.WorkDir)
	}
	return p, nil
}

// Parse decodes a pipeline definition and checks its structure.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) check() error {
	if p.FlagDir == "" {
		return fmt.Errorf("flag_dir is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("no stages defined")
	}
	for i, u := range p.Units {
		if len(u) == 0 || len(u) > 2 {
			return fmt.Errorf("units[%d]: want [subject] or [subject, session], got %v", i, u)
		}
		for _, part := range u {
			if part == "" {
				return fmt.Errorf("units[%d]: empty identifier", i)
			}
		}
	}

	seen := make(map[string]bool)
	for i, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("stages[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("stage %q defined twice", s.Name)
		}
		switch s.Domain {
		case model.DomainStudy, model.DomainSubject, model.DomainSession:
		case "":
			return fmt.Errorf("stage %q: domain is required", s.Name)
		default:
			return fmt.Errorf("stage %q: unknown domain %q", s.Name, s.Domain)
		}
		for _, dep := range s.After {
			if !seen[dep] {
				return fmt.Errorf("stage %q: after %q, which is not defined before it", s.Name, dep)
			}
		}
		seen[s.Name] = true
	}
	return nil
}

// Jobs expands every stage over the units it applies to, in stage order.
func (p *Pipeline) Jobs() []model.Job {
	byStage := make(map[string][]model.Job)
	var out []model.Job
	for _, s := range p.Stages {
		for _, index := range p.indices(s.Domain) {
			job := model.Job{
				Stage:     s.Name,
				Domain:    s.Domain,
				Index:     index,
				DoneFlag:  p.path(p.FlagDir, s.Name, index) + ".done",
				Resources: s.Resources,
				Command:   expand(s.Command, index),
				Env:       s.Env,
			}
			if p.WorkDir != "" {
				job.WorkDir = p.path(p.WorkDir, s.Name, index)
			}
			for _, dep := range s.After {
				for _, pre := range byStage[dep] {
					if related(pre.Index, index) {
						job.Prereqs = append(job.Prereqs, pre.DoneFlag)
					}
				}
			}
			byStage[s.Name] = append(byStage[s.Name], job)
			out = append(out, job)
		}
	}
	return out
}

// Build admits every job into a new graph and validates it.
func (p *Pipeline) Build(flags graph.FlagChecker) (*graph.Graph, error) {
	g := graph.New(flags)
	for _, job := range p.Jobs() {
		if _, err := g.Add(job); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (p *Pipeline) indices(d model.Domain) [][]string {
	switch d {
	case model.DomainStudy:
		return [][]string{nil}
	case model.DomainSubject:
		var out [][]string
		seen := make(map[string]bool)
		for _, u := range p.Units {
			if !seen[u[0]] {
				seen[u[0]] = true
				out = append(out, []string{u[0]})
			}
		}
		return out
	default:
		var out [][]string
		for _, u := range p.Units {
			out = append(out, append([]string(nil), u...))
		}
		return out
	}
}

func (p *Pipeline) path(root, stage string, index []string) string {
	name := "study"
	if len(index) > 0 {
		name = strings.Join(index, "_")
	}
	return filepath.Join(root, stage, name)
}

// related reports whether one index is a prefix of the other, i.e. the two
// jobs touch the same part of the hierarchy.
func related(a, b []string) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// expand substitutes {subject} and {session} in command arguments.
func expand(args []string, index []string) []string {
	if len(args) == 0 {
		return nil
	}
	var subject, session string
	if len(index) > 0 {
		subject = index[0]
	}
	if len(index) > 1 {
		session = index[1]
	}
	r := strings.NewReplacer("{subject}", subject, "{session}", session)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
