package domain

// SourceType classifies the origin of a RagDocument payload.
type SourceType string

const (
	SourceJoern           SourceType = "JOERN"
	SourceFileDescription SourceType = "FILE_DESCRIPTION"
	SourceCommit          SourceType = "COMMIT"
	SourceWiki            SourceType = "WIKI"
	SourceEmail           SourceType = "EMAIL"
	SourceRule            SourceType = "RULE"
	SourceMemory          SourceType = "MEMORY"
)

// RagDocument is the payload written to the vector store. The combination of
// (ProjectID, Path, symbol key) forms the logical identity used for
// idempotent replacement at re-index time.
type RagDocument struct {
	ClientID      string     `json:"client_id"`
	ProjectID     string     `json:"project_id"`
	SourceType    SourceType `json:"source_type"`
	Summary       string     `json:"summary"`
	Path          string     `json:"path,omitempty"`
	Language      string     `json:"language,omitempty"`
	ClassName     string     `json:"class_name,omitempty"`
	MethodName    string     `json:"method_name,omitempty"`
	SymbolType    string     `json:"symbol_type,omitempty"`
	LineStart     int        `json:"line_start,omitempty"`
	LineEnd       int        `json:"line_end,omitempty"`
	GitCommitHash string     `json:"git_commit_hash,omitempty"`
	ChunkID       int        `json:"chunk_id,omitempty"`
	ChunkOf       int        `json:"chunk_of,omitempty"`

	// Knowledge metadata, set only for knowledge-fragment documents.
	KnowledgeID       string   `json:"knowledge_id,omitempty"`
	KnowledgeType     string   `json:"knowledge_type,omitempty"`
	KnowledgeSeverity string   `json:"knowledge_severity,omitempty"`
	KnowledgeTags     []string `json:"knowledge_tags,omitempty"`
}
