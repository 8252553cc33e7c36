// Package store provides durable persistence for the orchestrator on NATS
// JetStream KV: connections, polling cursors, the work queue, discovered
// commits, the indexing ledger, and plan contexts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each collection.
const (
	BucketConnections   = "JERVIS_CONNECTIONS"
	BucketPollingStates = "JERVIS_POLLING_STATES"
	BucketSourceItems   = "JERVIS_SOURCE_ITEMS"
	BucketWorkItems     = "JERVIS_WORK_ITEMS"
	BucketGitCommits    = "JERVIS_GIT_COMMITS"
	BucketIndexStatus   = "JERVIS_INDEX_STATUS"
	BucketContexts      = "JERVIS_CONTEXTS"
	BucketProjects      = "JERVIS_PROJECTS"
	BucketSettings      = "JERVIS_SETTINGS"
)

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Jervis %s storage", strings.ToLower(strings.TrimPrefix(name, "JERVIS_"))),
		History:     5, // Keep last 5 revisions
	})
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}

// isWrongRevision checks if an error indicates an optimistic-concurrency loss.
func isWrongRevision(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists) ||
		(err != nil && strings.Contains(err.Error(), "wrong last sequence"))
}

// sanitizeKey converts an arbitrary identifier into a KV-safe key. KV keys
// cannot contain spaces or path separators.
func sanitizeKey(s string) string {
	r := strings.NewReplacer("/", "_", " ", "_", "\t", "_", "\\", "_")
	return r.Replace(s)
}
