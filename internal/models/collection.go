// Package models defines core data structures for collections, ingestible units,
// chunks, ingestion jobs, chat events, and indexing status.
package models

import (
	"fmt"
	"strings"
	"time"
)

// CollectionType is the kind of content a collection groups.
type CollectionType string

const (
	CollectionTypeDocuments CollectionType = "documents"
	CollectionTypeWebpages  CollectionType = "webpages"
	CollectionTypeMixed     CollectionType = "mixed"
)

// Valid reports whether t is a known collection type.
func (t CollectionType) Valid() bool {
	switch t {
	case CollectionTypeDocuments, CollectionTypeWebpages, CollectionTypeMixed:
		return true
	}
	return false
}

// Accepts reports whether a unit of the given kind may live in a collection of type t.
func (t CollectionType) Accepts(kind UnitKind) bool {
	switch t {
	case CollectionTypeDocuments:
		return kind == UnitKindDocument
	case CollectionTypeWebpages:
		return kind == UnitKindWebpage
	default:
		return true
	}
}

// Collection is a named, typed grouping of indexable content. ID never changes;
// Name is unique but may be renamed, with the old name kept as an alias.
type Collection struct {
	ID          string         `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Description string         `json:"description" db:"description"`
	Type        CollectionType `json:"type" db:"type"`
	Owner       string         `json:"owner,omitempty" db:"owner"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// CollectionInput is the input for creating a collection. ID is optional and only
// honored when seeding collections from static configuration.
type CollectionInput struct {
	ID          string         `json:"id,omitempty" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Type        CollectionType `json:"type" yaml:"type"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Owner       string         `json:"owner,omitempty" yaml:"owner"`
}

// Validate normalizes the input and checks required fields.
func (in *CollectionInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidInput)
	}
	if in.Type == "" {
		in.Type = CollectionTypeMixed
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown collection type %q", ErrInvalidInput, in.Type)
	}
	return nil
}
