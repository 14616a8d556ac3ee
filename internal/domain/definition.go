package domain

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/sequor/sequor/internal/constants"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

// semverRegex matches MAJOR.MINOR.PATCH version strings.
var semverRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// StepTemplate describes one step of a workflow definition. Templates are
// immutable per named-task version; tasks copy their values at instantiation.
type StepTemplate struct {
	// Name identifies the step within the workflow. Unique per definition.
	Name string `json:"name" yaml:"name"`

	// DependentSystem is the external system the handler talks to.
	DependentSystem string `json:"dependent_system" yaml:"dependent_system"`

	// Handler is the registry key of the handler invoked for this step.
	Handler string `json:"handler" yaml:"handler"`

	// DependsOn lists parent step names. Empty for root steps.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`

	// Retryable marks whether failures may be retried. Nil defaults to true.
	Retryable *bool `json:"retryable,omitempty" yaml:"retryable"`

	// RetryLimit bounds retry attempts. Nil defaults to constants.DefaultRetryLimit.
	RetryLimit *int `json:"retry_limit,omitempty" yaml:"retry_limit"`

	// Skippable marks whether the step honors bypass listings.
	Skippable bool `json:"skippable,omitempty" yaml:"skippable"`
}

// EffectiveRetryLimit resolves the template's retry limit, applying the default.
func (t *StepTemplate) EffectiveRetryLimit() int {
	if t.RetryLimit == nil {
		return constants.DefaultRetryLimit
	}
	return *t.RetryLimit
}

// WorkflowDefinition is a registered, versioned workflow: a named task plus
// its step templates. Definitions are validated before registration so that
// configuration errors are never observed during execution.
type WorkflowDefinition struct {
	// Namespace groups related workflows. Defaults to "default".
	Namespace string `json:"namespace,omitempty" yaml:"namespace"`

	// Name identifies the workflow within its namespace.
	Name string `json:"name" yaml:"name"`

	// Version is a MAJOR.MINOR.PATCH semver string.
	Version string `json:"version" yaml:"version"`

	// Configuration is an opaque key-value bag attached to the named task.
	Configuration Metadata `json:"configuration,omitempty" yaml:"configuration"`

	// Steps are the workflow's step templates, forming a DAG via DependsOn.
	Steps []StepTemplate `json:"steps" yaml:"steps"`
}

// Validate checks the definition for structural problems: missing fields,
// bad version strings, duplicate step names, unknown dependencies and cycles.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: workflow name is required", seqerrors.ErrInvalidWorkflow)
	}
	if !semverRegex.MatchString(d.Version) {
		return fmt.Errorf("%w: version %q is not MAJOR.MINOR.PATCH", seqerrors.ErrInvalidWorkflow, d.Version)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: workflow %s has no steps", seqerrors.ErrInvalidWorkflow, d.Name)
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("%w: workflow %s has a step with no name", seqerrors.ErrInvalidWorkflow, d.Name)
		}
		if s.Handler == "" {
			return fmt.Errorf("%w: step %s has no handler", seqerrors.ErrInvalidWorkflow, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate step name %s", seqerrors.ErrInvalidWorkflow, s.Name)
		}
		seen[s.Name] = true
		if s.RetryLimit != nil && *s.RetryLimit < 0 {
			return fmt.Errorf("%w: step %s has negative retry_limit", seqerrors.ErrInvalidWorkflow, s.Name)
		}
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: step %s depends on unknown step %s", seqerrors.ErrInvalidWorkflow, s.Name, dep)
			}
			if dep == s.Name {
				return fmt.Errorf("%w: step %s depends on itself", seqerrors.ErrInvalidWorkflow, s.Name)
			}
		}
	}

	if _, err := d.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns step names in dependency order. Ties break
// alphabetically so the order is deterministic; this order assigns step sort
// keys at instantiation. Returns ErrInvalidWorkflow when the graph has a cycle.
func (d *WorkflowDefinition) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.Steps))
	children := make(map[string][]string, len(d.Steps))
	for _, s := range d.Steps {
		if _, ok := indegree[s.Name]; !ok {
			indegree[s.Name] = 0
		}
		for _, dep := range s.DependsOn {
			indegree[s.Name]++
			children[dep] = append(children[dep], s.Name)
		}
	}

	var frontier []string
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(d.Steps))
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		order = append(order, name)

		var released []string
		for _, child := range children[name] {
			indegree[child]--
			if indegree[child] == 0 {
				released = append(released, child)
			}
		}
		sort.Strings(released)
		frontier = append(frontier, released...)
	}

	if len(order) != len(d.Steps) {
		return nil, fmt.Errorf("%w: workflow %s has a dependency cycle", seqerrors.ErrInvalidWorkflow, d.Name)
	}
	return order, nil
}

// StepByName returns the template with the given name, or nil.
func (d *WorkflowDefinition) StepByName(name string) *StepTemplate {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}
