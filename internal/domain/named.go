package domain

import "time"

// Namespace groups related named tasks. Created on first reference and never
// deleted while referenced.
type Namespace struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description,omitempty" db:"description"`
}

// DefaultNamespace is used when a workflow definition names none.
const DefaultNamespace = "default"

// NamedTask is a registered workflow version. Unique on
// (namespace, name, version).
type NamedTask struct {
	ID          int64    `json:"id" db:"id"`
	NamespaceID int64    `json:"namespace_id" db:"namespace_id"`
	Name        string   `json:"name" db:"name"`
	Version     string   `json:"version" db:"version"`
	Config      Metadata `json:"configuration,omitempty" db:"configuration"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NamedStep is a registered step identity. Unique on (dependent_system, name);
// created on first reference.
type NamedStep struct {
	ID              int64  `json:"id" db:"id"`
	Name            string `json:"name" db:"name"`
	DependentSystem string `json:"dependent_system" db:"dependent_system"`
}
