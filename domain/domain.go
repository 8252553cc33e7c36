// Package domain defines the core entities shared by the pollers, the
// indexing pipeline, and the plan executor: connections, polling cursors,
// work items, commit records, and the indexing ledger records.
package domain

import (
	"fmt"
	"time"
)

// AuthType identifies how a connection authenticates against its source.
type AuthType string

const (
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthOAuth2 AuthType = "oauth2"
)

// ConnectionState tracks whether a connection's credentials are usable.
type ConnectionState string

const (
	ConnectionValid   ConnectionState = "valid"
	ConnectionInvalid ConnectionState = "invalid"
)

// ConnectionKind identifies the protocol family of a connection.
type ConnectionKind string

const (
	KindGit        ConnectionKind = "git"
	KindJira       ConnectionKind = "jira"
	KindConfluence ConnectionKind = "confluence"
	KindMail       ConnectionKind = "mail"
	KindChat       ConnectionKind = "chat"
)

// Connection holds a source endpoint and its auth material.
// The connection store is the sole authority for State transitions:
// any auth failure observed by a client marks the connection invalid
// and subsequent polls skip it until it is restored out of band.
type Connection struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id"`
	Kind      ConnectionKind  `json:"kind"`
	BaseURL   string          `json:"base_url"`
	AuthType  AuthType        `json:"auth_type"`
	Username  string          `json:"username,omitempty"`
	Secret    string          `json:"secret,omitempty"`
	State     ConnectionState `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PollingState is the incremental cursor for one (connection, tool) pair.
// It is updated only after a successful poll.
type PollingState struct {
	ConnectionID      string    `json:"connection_id"`
	Tool              string    `json:"tool"`
	LastSeenUpdatedAt time.Time `json:"last_seen_updated_at"`
	LastPolledAt      time.Time `json:"last_polled_at"`
}

// Key returns the store key for this cursor.
func (p PollingState) Key() string {
	return p.ConnectionID + "." + p.Tool
}

// WorkItemState is the lifecycle state of a queued ingestion item.
type WorkItemState string

const (
	WorkItemNew        WorkItemState = "new"
	WorkItemInProgress WorkItemState = "in_progress"
	WorkItemIndexed    WorkItemState = "indexed"
	WorkItemFailed     WorkItemState = "failed"
)

// WorkItem is one durable record describing an external artifact to ingest.
// SourceURN is globally unique within a source; duplicate enqueues are no-ops.
type WorkItem struct {
	TaskID        string        `json:"task_id"`
	SourceURN     string        `json:"source_urn"`
	ClientID      string        `json:"client_id"`
	ProjectID     string        `json:"project_id,omitempty"`
	Kind          string        `json:"kind"`
	State         WorkItemState `json:"state"`
	Attempts      int           `json:"attempts"`
	Priority      int           `json:"priority"`
	CreatedAt     time.Time     `json:"created_at"`
	LastAttemptAt time.Time     `json:"last_attempt_at,omitempty"`
	WorkerID      string        `json:"worker_id,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// CommitState is the indexing state of a discovered git commit.
type CommitState string

const (
	CommitNew     CommitState = "new"
	CommitIndexed CommitState = "indexed"
	CommitFailed  CommitState = "failed"
)

// GitCommitRecord is one commit discovered by the git poller.
// Hash is unique per (project, branch); branches never mix.
type GitCommitRecord struct {
	ClientID   string      `json:"client_id"`
	ProjectID  string      `json:"project_id"`
	Branch     string      `json:"branch"`
	Hash       string      `json:"hash"`
	Author     string      `json:"author"`
	Message    string      `json:"message"`
	CommitDate time.Time   `json:"commit_date"`
	State      CommitState `json:"state"`
	Attempts   int         `json:"attempts"`
}

// Key returns the store key for this commit record.
func (c GitCommitRecord) Key() string {
	return fmt.Sprintf("%s.%s.%s", c.ProjectID, c.Branch, c.Hash)
}

// IndexState is the per-file state in the indexing ledger.
type IndexState string

const (
	IndexPending  IndexState = "pending"
	IndexRunning  IndexState = "running"
	IndexComplete IndexState = "indexed"
	IndexFailed   IndexState = "failed"
)

// VectorContent records one vector written for a file: the vector id, the
// SHA-256 of the embedded content, its length, and a short description.
type VectorContent struct {
	VectorID    string `json:"vector_id"`
	ContentHash string `json:"content_hash"`
	Length      int    `json:"length"`
	Description string `json:"description,omitempty"`
}

// IndexingStatus is the ledger record for one logical file path. It is the
// source of truth for what the vector store holds for that path: a
// successful re-index replaces Contents atomically from the caller's view.
type IndexingStatus struct {
	ProjectID     string          `json:"project_id"`
	FilePath      string          `json:"file_path"`
	GitCommitHash string          `json:"git_commit_hash,omitempty"`
	ContentHash   string          `json:"content_hash,omitempty"`
	Contents      []VectorContent `json:"contents,omitempty"`
	State         IndexState      `json:"state"`
	Error         string          `json:"error,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// VectorIDs returns the ids of all vectors recorded for the file.
func (s *IndexingStatus) VectorIDs() []string {
	ids := make([]string, 0, len(s.Contents))
	for _, c := range s.Contents {
		ids = append(ids, c.VectorID)
	}
	return ids
}

// Client aggregates projects under one tenant.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is one indexed codebase or knowledge source owned by a client.
type Project struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	RepoURL   string    `json:"repo_url,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Languages []string  `json:"languages,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
