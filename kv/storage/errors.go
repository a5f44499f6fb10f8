package storage

import "fmt"

// ErrNotFound is returned when a database, table or column does not exist.
type ErrNotFound struct {
	Kind string
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Name)
}

// ErrAlreadyExists is returned when creating a database, table or index twice.
type ErrAlreadyExists struct {
	Kind string
	Name string
}

func (e *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Kind, e.Name)
}

// ErrAmbiguousColumn is returned when an unqualified column exists in several tables.
type ErrAmbiguousColumn struct {
	Column string
	Tables []string
}

func (e *ErrAmbiguousColumn) Error() string {
	return fmt.Sprintf("column %s is ambiguous, it exists in %v", e.Column, e.Tables)
}

func notFound(kind, name string) error {
	return &ErrNotFound{Kind: kind, Name: name}
}
