package issuer

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/certification/internal/models"
)

const (
	DefaultCourseTemplate  = "course-default"
	DefaultProgramTemplate = "program-default"
)

// TemplateCatalog maps certificate targets to rendering template ids.
//
//	defaults:
//	  course: course-default
//	  program: program-default
//	courses:
//	  <course-uuid>: <template-id>
//	programs:
//	  <program-uuid>: <template-id>
type TemplateCatalog struct {
	Defaults struct {
		Course  string `yaml:"course"`
		Program string `yaml:"program"`
	} `yaml:"defaults"`
	Courses  map[string]string `yaml:"courses"`
	Programs map[string]string `yaml:"programs"`
}

func ParseTemplateCatalog(data []byte) (TemplateCatalog, error) {
	var c TemplateCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return TemplateCatalog{}, fmt.Errorf("parse template catalog: %w", err)
	}
	var err error
	if c.Courses, err = normalizeKeys(c.Courses); err != nil {
		return TemplateCatalog{}, err
	}
	if c.Programs, err = normalizeKeys(c.Programs); err != nil {
		return TemplateCatalog{}, err
	}
	return c, nil
}

func normalizeKeys(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for raw, tpl := range in {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("template catalog: invalid target id %q", raw)
		}
		out[id.String()] = tpl
	}
	return out, nil
}

// LoadTemplateCatalog reads a catalog file. An empty path yields the built-in
// defaults.
func LoadTemplateCatalog(path string) (TemplateCatalog, error) {
	if path == "" {
		return TemplateCatalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return TemplateCatalog{}, fmt.Errorf("read template catalog: %w", err)
	}
	return ParseTemplateCatalog(data)
}

// Select returns the target's override when present, else the kind default.
func (c TemplateCatalog) Select(kind models.TargetKind, targetID uuid.UUID) string {
	overrides, fallback, builtin := c.Courses, c.Defaults.Course, DefaultCourseTemplate
	if kind == models.TargetProgram {
		overrides, fallback, builtin = c.Programs, c.Defaults.Program, DefaultProgramTemplate
	}
	if tpl := overrides[targetID.String()]; tpl != "" {
		return tpl
	}
	if fallback != "" {
		return fallback
	}
	return builtin
}
