package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and applies migrations.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

const upsertStory = `
INSERT INTO stories (knowledge_base_id, knowledge_base_name, story_name, user_id, uploaded_at, agent_id, bound_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (knowledge_base_id) DO UPDATE SET
    knowledge_base_name = EXCLUDED.knowledge_base_name,
    story_name          = EXCLUDED.story_name,
    user_id             = EXCLUDED.user_id,
    uploaded_at         = EXCLUDED.uploaded_at,
    agent_id            = EXCLUDED.agent_id,
    bound_at            = EXCLUDED.bound_at`

func (p *Postgres) SaveStory(ctx context.Context, s Story) error {
	_, err := p.pool.Exec(ctx, upsertStory,
		s.KnowledgeBaseID, s.KnowledgeBaseName, s.StoryName, s.UserID, s.UploadedAt.UTC(), s.AgentID, s.BoundAt)
	if err != nil {
		return fmt.Errorf("save story %q: %w", s.KnowledgeBaseID, err)
	}
	return nil
}

func (p *Postgres) MarkAgentBound(ctx context.Context, knowledgeBaseID, agentID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE stories SET agent_id = $2, bound_at = $3 WHERE knowledge_base_id = $1`,
		knowledgeBaseID, agentID, at.UTC())
	if err != nil {
		return fmt.Errorf("bind story %q: %w", knowledgeBaseID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListStories(ctx context.Context, userID string) ([]Story, error) {
	const q = `
SELECT knowledge_base_id, knowledge_base_name, story_name, user_id, uploaded_at, agent_id, bound_at
FROM stories
WHERE $1 = '' OR user_id = $1
ORDER BY uploaded_at DESC, knowledge_base_id`

	rows, err := p.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	stories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Story, error) {
		var s Story
		err := row.Scan(&s.KnowledgeBaseID, &s.KnowledgeBaseName, &s.StoryName, &s.UserID, &s.UploadedAt, &s.AgentID, &s.BoundAt)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	return stories, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
