// pkg/registry/registry.go
package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"application-lifecycle/internal/common/validation"
)

//go:embed activity-registry.json
var embedded []byte

var (
	defaultOnce sync.Once
	defaultReg  *ActivityRegistry
	defaultErr  error
)

// Default returns the registry compiled into the binary.
func Default() (*ActivityRegistry, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = Parse(embedded)
	})
	return defaultReg, defaultErr
}

func LoadRegistry(path string) (*ActivityRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*ActivityRegistry, error) {
	var reg ActivityRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse activity registry: %w", err)
	}
	return &reg, nil
}

// Find looks an activity up by task type.
func (r *ActivityRegistry) Find(taskType string) (*Activity, bool) {
	for i := range r.Activities {
		if r.Activities[i].TaskType == taskType {
			return &r.Activities[i], true
		}
	}
	return nil, false
}

// InputValidator compiles the activity's input schema.
func (a *Activity) InputValidator() (*validation.Schema, error) {
	if len(a.InputSchema) == 0 {
		return nil, fmt.Errorf("activity %s has no input schema", a.ID)
	}
	s, err := validation.CompileMap(a.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("activity %s: %w", a.ID, err)
	}
	return s, nil
}

// MustInputValidator is InputValidator for the embedded registry; it panics
// when taskType is missing or its schema does not compile.
func MustInputValidator(taskType string) *validation.Schema {
	reg, err := Default()
	if err != nil {
		panic(err)
	}
	a, ok := reg.Find(taskType)
	if !ok {
		panic(fmt.Sprintf("registry: no activity for task type %q", taskType))
	}
	s, err := a.InputValidator()
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks the registry for duplicate task types, unknown categories,
// bad timeouts and uncompilable schemas.
func (r *ActivityRegistry) Validate() []error {
	var errs []error
	seen := make(map[string]bool)
	for i := range r.Activities {
		a := &r.Activities[i]
		if a.ID == "" || a.TaskType == "" {
			errs = append(errs, fmt.Errorf("activity #%d: id and taskType are required", i))
			continue
		}
		if seen[a.TaskType] {
			errs = append(errs, fmt.Errorf("duplicate task type %s", a.TaskType))
		}
		seen[a.TaskType] = true
		if !knownCategory(a.Category) {
			errs = append(errs, fmt.Errorf("activity %s: unknown category %q", a.ID, a.Category))
		}
		if _, err := a.JobTimeout(); err != nil {
			errs = append(errs, err)
		}
		if a.Retries < 0 {
			errs = append(errs, fmt.Errorf("activity %s: retries must not be negative", a.ID))
		}
		if _, err := a.InputValidator(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
