// Package datastore provides the article stores the query orchestrator
// fetches pages and tag listings from.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/lib/pq"

	"github.com/onnwee/feedrank/internal/query"
	"github.com/onnwee/feedrank/internal/ranking"
	"github.com/onnwee/feedrank/internal/tracing"
)

// Common errors for datastore operations.
var (
	ErrArticleNotFound = errors.New("article not found")
	ErrInvalidArticle  = errors.New("article requires an id and a creation time")
	ErrMalformedSeed   = errors.New("malformed seed file")
)

// Schema creates the tables and indexes the Postgres store reads.
const Schema = `
CREATE TABLE IF NOT EXISTS authors (
	id             TEXT PRIMARY KEY,
	follower_count INTEGER NOT NULL DEFAULT 0 CHECK (follower_count >= 0)
);

CREATE TABLE IF NOT EXISTS articles (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	excerpt           TEXT NOT NULL DEFAULT '',
	domain            TEXT NOT NULL DEFAULT '',
	author_id         TEXT REFERENCES authors(id) ON DELETE SET NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	like_count        INTEGER NOT NULL DEFAULT 0 CHECK (like_count >= 0),
	comment_count     INTEGER NOT NULL DEFAULT 0 CHECK (comment_count >= 0),
	read_time_minutes DOUBLE PRECISION,
	has_image         BOOLEAN NOT NULL DEFAULT FALSE,
	search_vector     TSVECTOR GENERATED ALWAYS AS (
		to_tsvector('english', coalesce(title, '') || ' ' || coalesce(excerpt, ''))
	) STORED
);

CREATE TABLE IF NOT EXISTS tags (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS article_tags (
	article_id TEXT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
	tag_id     TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (article_id, tag_id)
);

CREATE INDEX IF NOT EXISTS idx_articles_search ON articles USING GIN (search_vector);
CREATE INDEX IF NOT EXISTS idx_articles_created ON articles (created_at DESC, id);
CREATE INDEX IF NOT EXISTS idx_articles_domain ON articles (lower(domain));
CREATE INDEX IF NOT EXISTS idx_article_tags_tag ON article_tags (tag_id);
`

// Postgres serves pages and tag listings from PostgreSQL full-text search.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgres creates a new Postgres store.
func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

// Migrate applies Schema. It is idempotent.
func (p *Postgres) Migrate(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "", tracing.DBOperationExec)
	defer func() { endSpan(err) }()

	if _, err = p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// pageQuery accumulates WHERE clauses and their positional arguments.
type pageQuery struct {
	where []string
	args  []any
}

func (q *pageQuery) add(cond string, v any) int {
	q.args = append(q.args, v)
	n := len(q.args)
	q.where = append(q.where, fmt.Sprintf(cond, n))
	return n
}

func (q *pageQuery) clause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

const selectArticles = `
SELECT a.id, a.title, a.excerpt, a.domain, a.author_id, COALESCE(au.follower_count, 0),
	a.created_at, a.like_count, a.comment_count, a.read_time_minutes, a.has_image,
	ARRAY(SELECT at.tag_id FROM article_tags at WHERE at.article_id = a.id ORDER BY at.tag_id),
	COUNT(*) OVER ()
FROM articles a
LEFT JOIN authors au ON au.id = a.author_id`

// FetchPage returns one page of matching articles and the total match count.
// Text queries use websearch_to_tsquery; relevance order ranks by ts_rank.
// The subject does not narrow visibility: every subject sees the same catalogue.
func (p *Postgres) FetchPage(ctx context.Context, subjectID, queryText string, f query.Filters, pg query.Page) (items []ranking.Item, total int, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "articles", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var q pageQuery
	textArg := 0
	if text := strings.TrimSpace(queryText); text != "" {
		textArg = q.add("a.search_vector @@ websearch_to_tsquery('english', $%d)", text)
	}
	if len(f.TagIDs) > 0 {
		q.add("EXISTS (SELECT 1 FROM article_tags ft WHERE ft.article_id = a.id AND ft.tag_id = ANY($%d))", pq.Array(f.TagIDs))
	}
	if f.DateFrom != nil {
		q.add("a.created_at >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		q.add("a.created_at <= $%d", *f.DateTo)
	}
	if f.Domain != "" {
		q.add("lower(a.domain) = $%d", strings.ToLower(f.Domain))
	}

	order := " ORDER BY a.created_at DESC, a.id ASC"
	if f.Sort == query.SortRelevance && textArg > 0 {
		order = fmt.Sprintf(" ORDER BY ts_rank(a.search_vector, websearch_to_tsquery('english', $%d)) DESC, a.created_at DESC, a.id ASC", textArg)
	}

	args := append(q.args, pg.Limit, pg.Offset)
	stmt := selectArticles + q.clause() + order +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query articles: %w", err)
	}
	defer rows.Close()

	items = make([]ranking.Item, 0, pg.Limit)
	for rows.Next() {
		var (
			it       ranking.Item
			authorID sql.NullString
			readTime sql.NullFloat64
			tags     []string
		)
		if err := rows.Scan(&it.ID, &it.Title, &it.Excerpt, &it.Domain, &authorID, &it.AuthorFollowerCount,
			&it.CreatedAt, &it.LikeCount, &it.CommentCount, &readTime, &it.HasImage,
			pq.Array(&tags), &total); err != nil {
			return nil, 0, fmt.Errorf("failed to scan article: %w", err)
		}
		it.AuthorID = authorID.String
		if readTime.Valid {
			v := readTime.Float64
			it.ReadTimeMinutes = &v
		}
		it.ExcerptLength = utf8.RuneCountInString(it.Excerpt)
		it.Tags = tags
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate articles: %w", err)
	}

	// Past the last page the window count has no rows to ride on.
	if len(items) == 0 && pg.Offset > 0 {
		countStmt := "SELECT COUNT(*) FROM articles a" + q.clause()
		if err := p.db.QueryRowContext(ctx, countStmt, q.args...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("failed to count articles: %w", err)
		}
	}

	p.logger.Debug("fetched article page",
		slog.String("subject_id", subjectID),
		slog.Int("rows", len(items)),
		slog.Int("total", total))

	return items, total, nil
}

// FetchTags lists every tag with its article count, ordered by name.
func (p *Postgres) FetchTags(ctx context.Context) (tags []query.Tag, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "tags", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.name, COUNT(at.article_id)
		FROM tags t
		LEFT JOIN article_tags at ON at.tag_id = t.id
		GROUP BY t.id, t.name
		ORDER BY t.name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	tags = []query.Tag{}
	for rows.Next() {
		var t query.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.ArticleCount); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tags: %w", err)
	}
	return tags, nil
}

// UpsertTag inserts a tag or renames an existing one.
func (p *Postgres) UpsertTag(ctx context.Context, id, name string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "tags", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tags (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, id, name)
	if err != nil {
		return fmt.Errorf("failed to upsert tag: %w", err)
	}
	return nil
}

// UpsertArticle writes an article, its author's follower count, and its tag
// links in one transaction. Returns true when the article was newly created.
func (p *Postgres) UpsertArticle(ctx context.Context, it ranking.Item) (created bool, err error) {
	if it.ID == "" || it.CreatedAt.IsZero() {
		return false, ErrInvalidArticle
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "articles", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	// No-op after a successful commit.
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.logger.Warn("failed to rollback transaction", slog.String("error", rbErr.Error()))
		}
	}()

	var authorID sql.NullString
	if it.AuthorID != "" {
		authorID = sql.NullString{String: it.AuthorID, Valid: true}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO authors (id, follower_count) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET follower_count = EXCLUDED.follower_count
		`, it.AuthorID, it.AuthorFollowerCount); err != nil {
			return false, fmt.Errorf("failed to upsert author: %w", err)
		}
	}

	var readTime sql.NullFloat64
	if it.ReadTimeMinutes != nil {
		readTime = sql.NullFloat64{Float64: *it.ReadTimeMinutes, Valid: true}
	}

	// xmax is zero only for freshly inserted rows.
	if err = tx.QueryRowContext(ctx, `
		INSERT INTO articles (id, title, excerpt, domain, author_id, created_at,
			like_count, comment_count, read_time_minutes, has_image)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			excerpt = EXCLUDED.excerpt,
			domain = EXCLUDED.domain,
			author_id = EXCLUDED.author_id,
			like_count = EXCLUDED.like_count,
			comment_count = EXCLUDED.comment_count,
			read_time_minutes = EXCLUDED.read_time_minutes,
			has_image = EXCLUDED.has_image
		RETURNING (xmax = 0)
	`, it.ID, it.Title, it.Excerpt, it.Domain, authorID, it.CreatedAt,
		it.LikeCount, it.CommentCount, readTime, it.HasImage).Scan(&created); err != nil {
		return false, fmt.Errorf("failed to upsert article: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM article_tags WHERE article_id = $1`, it.ID); err != nil {
		return false, fmt.Errorf("failed to clear article tags: %w", err)
	}
	if len(it.Tags) > 0 {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO article_tags (article_id, tag_id)
			SELECT $1, unnest($2::text[])
			ON CONFLICT DO NOTHING
		`, it.ID, pq.Array(it.Tags)); err != nil {
			return false, fmt.Errorf("failed to link article tags: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit article: %w", err)
	}
	return created, nil
}

// DeleteArticle removes an article and its tag links.
func (p *Postgres) DeleteArticle(ctx context.Context, id string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "articles", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := p.db.ExecContext(ctx, `DELETE FROM articles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete article: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrArticleNotFound
	}
	return nil
}
