package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/soorma-ai/soorma-core/pkg/memory/embedding"
)

// defaultTopK bounds vector searches when the caller does not say.
const defaultTopK = 10

// Service wraps Storage with content hashing and embedding generation.
type Service struct {
	storage  *Storage
	embedder embedding.Provider
}

// NewService creates the memory service.
func NewService(storage *Storage, embedder embedding.Provider) *Service {
	return &Service{storage: storage, embedder: embedder}
}

// ContentHash is the dedup key for semantic content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// UpsertKnowledgeRequest is the semantic write surface.
type UpsertKnowledgeRequest struct {
	Content    string          `json:"content" binding:"required"`
	ExternalID string          `json:"external_id,omitempty"`
	IsPublic   bool            `json:"is_public,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Embedding  []float32       `json:"embedding,omitempty"`
}

// UpsertKnowledge hashes the content, fills in the embedding when the
// caller did not supply one, and performs the dedup upsert.
func (s *Service) UpsertKnowledge(ctx context.Context, scope Scope, req *UpsertKnowledgeRequest) (*UpsertResult, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}

	vec := req.Embedding
	if len(vec) == 0 {
		var err error
		vec, err = s.embedder.Embed(ctx, req.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to embed content: %w", err)
		}
	}

	result, err := s.storage.UpsertKnowledge(ctx, scope, &KnowledgeInput{
		Content:     req.Content,
		ContentHash: ContentHash(req.Content),
		ExternalID:  req.ExternalID,
		IsPublic:    req.IsPublic,
		Metadata:    req.Metadata,
		Embedding:   vec,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("Knowledge upserted",
		"tenant_id", scope.TenantID,
		"id", result.ID,
		"action", result.Action,
		"public", req.IsPublic)
	return result, nil
}

// SearchKnowledge embeds the query text when no embedding was supplied and
// runs the similarity search.
func (s *Service) SearchKnowledge(ctx context.Context, scope Scope, query string, queryEmbedding []float32, topK int, includePublic bool) ([]*SemanticMemory, error) {
	vec, err := s.resolveQuery(ctx, query, queryEmbedding)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	return s.storage.SearchKnowledge(ctx, scope, vec, topK, includePublic)
}

// DeleteKnowledge removes one of the caller's own rows.
func (s *Service) DeleteKnowledge(ctx context.Context, scope Scope, id string) error {
	return s.storage.DeleteKnowledge(ctx, scope, id)
}

// LogInteractionRequest is the episodic append surface.
type LogInteractionRequest struct {
	AgentID  string          `json:"agent_id" binding:"required"`
	Role     string          `json:"role" binding:"required"`
	Content  string          `json:"content" binding:"required"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	// Embed requests an embedding so the interaction is findable by
	// similarity search, at the cost of an embedding call.
	Embed bool `json:"embed,omitempty"`
}

// LogInteraction appends one interaction.
func (s *Service) LogInteraction(ctx context.Context, scope Scope, req *LogInteractionRequest) (*EpisodicMemory, error) {
	if !ValidRole(req.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, req.Role)
	}

	var vec []float32
	if req.Embed {
		var err error
		vec, err = s.embedder.Embed(ctx, req.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to embed interaction: %w", err)
		}
	}

	return s.storage.LogInteraction(ctx, scope, &InteractionInput{
		AgentID:   req.AgentID,
		Role:      req.Role,
		Content:   req.Content,
		Metadata:  req.Metadata,
		Embedding: vec,
	})
}

// RecentInteractions returns the newest interactions for a (user, agent).
func (s *Service) RecentInteractions(ctx context.Context, scope Scope, agentID string, limit int) ([]*EpisodicMemory, error) {
	if limit <= 0 {
		limit = defaultTopK
	}
	return s.storage.RecentInteractions(ctx, scope, agentID, limit)
}

// SearchInteractions runs a similarity search within a (user, agent) slice.
func (s *Service) SearchInteractions(ctx context.Context, scope Scope, agentID, query string, queryEmbedding []float32, topK int) ([]*EpisodicMemory, error) {
	vec, err := s.resolveQuery(ctx, query, queryEmbedding)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	return s.storage.SearchInteractions(ctx, scope, agentID, vec, topK)
}

// SaveSkillRequest is the procedural write surface.
type SaveSkillRequest struct {
	AgentID          string `json:"agent_id" binding:"required"`
	TriggerCondition string `json:"trigger_condition" binding:"required"`
	ProcedureType    string `json:"procedure_type" binding:"required"`
	Content          string `json:"content" binding:"required"`
}

// SaveSkill embeds the trigger condition and stores the skill.
func (s *Service) SaveSkill(ctx context.Context, scope Scope, req *SaveSkillRequest) (*ProceduralMemory, error) {
	if req.ProcedureType != ProcedureSystemPrompt && req.ProcedureType != ProcedureFewShotExample {
		return nil, fmt.Errorf("%w: unknown procedure_type %q", ErrInvalidInput, req.ProcedureType)
	}

	vec, err := s.embedder.Embed(ctx, req.TriggerCondition)
	if err != nil {
		return nil, fmt.Errorf("failed to embed trigger condition: %w", err)
	}

	return s.storage.SaveSkill(ctx, scope, &SkillInput{
		AgentID:          req.AgentID,
		TriggerCondition: req.TriggerCondition,
		ProcedureType:    req.ProcedureType,
		Content:          req.Content,
		Embedding:        vec,
	})
}

// RelevantSkills returns the skills whose triggers best match the query.
func (s *Service) RelevantSkills(ctx context.Context, scope Scope, agentID, query string, queryEmbedding []float32, topK int) ([]*ProceduralMemory, error) {
	vec, err := s.resolveQuery(ctx, query, queryEmbedding)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	return s.storage.RelevantSkills(ctx, scope, agentID, vec, topK)
}

// resolveQuery turns (text, optional embedding) into a query vector.
func (s *Service) resolveQuery(ctx context.Context, query string, queryEmbedding []float32) ([]float32, error) {
	if len(queryEmbedding) > 0 {
		return queryEmbedding, nil
	}
	if query == "" {
		return nil, fmt.Errorf("%w: query text or embedding is required", ErrInvalidInput)
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return vec, nil
}

// Storage exposes the underlying storage for the non-vector operations the
// HTTP layer forwards directly (working memory, contexts, plans, sessions).
func (s *Service) Storage() *Storage {
	return s.storage
}
