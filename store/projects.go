package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jervisproject/jervis/domain"
)

// slugPattern validates project slugs: lowercase alphanumeric with hyphens.
var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidateSlug checks if a project slug is valid.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug is required")
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug %q: must match ^[a-z0-9-]+$", slug)
	}
	return nil
}

// ProjectStore persists clients and projects.
type ProjectStore struct {
	kv jetstream.KeyValue
}

// NewProjectStore creates the project store.
func NewProjectStore(ctx context.Context, js jetstream.JetStream) (*ProjectStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketProjects)
	if err != nil {
		return nil, fmt.Errorf("create projects bucket: %w", err)
	}
	return &ProjectStore{kv: kv}, nil
}

// Create stores a new project after validating its slug.
func (s *ProjectStore) Create(ctx context.Context, p *domain.Project) (string, error) {
	if err := ValidateSlug(p.Slug); err != nil {
		return "", err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = time.Now()

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal project: %w", err)
	}
	if _, err := s.kv.Create(ctx, p.ID, data); err != nil {
		if isWrongRevision(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
		}
		return "", fmt.Errorf("store project: %w", err)
	}
	return p.ID, nil
}

// Get retrieves a project by id.
func (s *ProjectStore) Get(ctx context.Context, id string) (*domain.Project, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	var p domain.Project
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return nil, fmt.Errorf("unmarshal project: %w", err)
	}
	return &p, nil
}

// List returns all projects, optionally filtered by client.
func (s *ProjectStore) List(ctx context.Context, clientID string) ([]*domain.Project, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list project keys: %w", err)
	}

	projects := make([]*domain.Project, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var p domain.Project
		if err := json.Unmarshal(entry.Value(), &p); err != nil {
			continue
		}
		if clientID != "" && p.ClientID != clientID {
			continue
		}
		projects = append(projects, &p)
	}
	return projects, nil
}
