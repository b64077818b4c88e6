package model

import "strings"

// Repository identifies an upstream dataset repository.
type Repository string

const (
	RepositoryZenodo Repository = "zenodo"
	RepositoryNomad  Repository = "nomad"
)

// ParseRepository maps a user-supplied source name to a Repository.
func ParseRepository(name string) (Repository, bool) {
	switch Repository(strings.ToLower(strings.TrimSpace(name))) {
	case RepositoryZenodo:
		return RepositoryZenodo, true
	case RepositoryNomad:
		return RepositoryNomad, true
	default:
		return "", false
	}
}

// String returns the repository name.
func (r Repository) String() string { return string(r) }
