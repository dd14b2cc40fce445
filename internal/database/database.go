package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent ingests.
	conn.SetMaxOpenConns(1)
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false for SQLite.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS communities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		last_fetched_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		community_id TEXT NOT NULL REFERENCES communities(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL,
		url TEXT NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		comment_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		fetched_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_posts_community_score ON posts(community_id, score DESC);
	CREATE TABLE IF NOT EXISTS classifications (
		external_id TEXT PRIMARY KEY,
		explanation TEXT NOT NULL DEFAULT '',
		membership TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Community Methods ---

// GetCommunity returns the community with the given name or ErrNotFound.
func (db *DB) GetCommunity(ctx context.Context, name string) (*model.Community, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, name, display_name, last_fetched_at, created_at, updated_at FROM communities WHERE name = ?", name)
	return scanCommunity(row)
}

// UpsertCommunity creates the community or updates its display name.
func (db *DB) UpsertCommunity(ctx context.Context, name, displayName string) (*model.Community, error) {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO communities (id, name, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at`,
		uuid.NewString(), name, displayName, now, now)
	if err != nil {
		return nil, &model.Error{Op: "upsert community", Kind: model.ErrStoreWriteFailed, Community: name, Err: err}
	}
	return db.GetCommunity(ctx, name)
}

// ListCommunities returns all communities ordered by name.
func (db *DB) ListCommunities(ctx context.Context) ([]model.Community, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, name, display_name, last_fetched_at, created_at, updated_at FROM communities ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var communities []model.Community
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, err
		}
		communities = append(communities, *c)
	}
	return communities, rows.Err()
}

// UpdateCommunityLastFetched stamps the community after a successful ingest.
func (db *DB) UpdateCommunityLastFetched(ctx context.Context, communityID string, t time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE communities SET last_fetched_at = ?, updated_at = ? WHERE id = ?", t.UTC(), time.Now().UTC(), communityID)
	if err != nil {
		return &model.Error{Op: "stamp community", Kind: model.ErrStoreWriteFailed, Community: communityID, Err: err}
	}
	return requireAffected(res)
}

// --- Post Methods ---

// UpsertPosts writes posts chunk by chunk, one transaction per chunk.
func (db *DB) UpsertPosts(ctx context.Context, communityID string, posts []model.Post) error {
	for i, chunk := range chunks(posts, UpsertChunkSize) {
		if err := db.upsertChunk(ctx, communityID, chunk); err != nil {
			return writeFailed("upsert posts", communityID, i, err)
		}
	}
	return nil
}

func (db *DB) upsertChunk(ctx context.Context, communityID string, posts []model.Post) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO posts (id, external_id, community_id, title, body, author, url, score, comment_count, created_at, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			community_id = excluded.community_id,
			title = excluded.title,
			body = excluded.body,
			author = excluded.author,
			url = excluded.url,
			score = excluded.score,
			comment_count = excluded.comment_count,
			created_at = excluded.created_at,
			fetched_at = excluded.fetched_at`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, p := range posts {
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), p.ExternalID, communityID, p.Title, p.Body,
			p.Author, p.URL, p.Score, p.CommentCount, p.CreatedAt.UTC(), p.FetchedAt.UTC()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetPosts returns a community's posts ordered by score, highest first.
func (db *DB) GetPosts(ctx context.Context, communityID string) ([]model.Post, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, external_id, community_id, title, body, author, url, score, comment_count, created_at, fetched_at
		FROM posts WHERE community_id = ? ORDER BY score DESC, created_at DESC`, communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// GetPostByExternalID returns one post or ErrNotFound.
func (db *DB) GetPostByExternalID(ctx context.Context, externalID string) (*model.Post, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, external_id, community_id, title, body, author, url, score, comment_count, created_at, fetched_at
		FROM posts WHERE external_id = ?`, externalID)
	return scanPost(row)
}

// UpdatePostMetrics overwrites score and comment count.
func (db *DB) UpdatePostMetrics(ctx context.Context, externalID string, score, commentCount int) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE posts SET score = ?, comment_count = ? WHERE external_id = ?", score, commentCount, externalID)
	if err != nil {
		return &model.Error{Op: "update metrics", Kind: model.ErrStoreWriteFailed, ExternalID: externalID, Err: err}
	}
	return requireAffected(res)
}

// --- Classification Methods ---

// GetClassification returns the cached classification or ErrNotFound.
func (db *DB) GetClassification(ctx context.Context, externalID string) (*model.Classification, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT external_id, explanation, membership, model, created_at FROM classifications WHERE external_id = ?", externalID)
	return scanClassification(row)
}

// GetClassifications returns the cached classifications among externalIDs.
func (db *DB) GetClassifications(ctx context.Context, externalIDs []string) (map[string]*model.Classification, error) {
	out := make(map[string]*model.Classification)
	if len(externalIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(externalIDs))
	for i, id := range externalIDs {
		args[i] = id
	}
	query := "SELECT external_id, explanation, membership, model, created_at FROM classifications WHERE external_id IN (" +
		strings.TrimSuffix(strings.Repeat("?,", len(externalIDs)), ",") + ")"
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanClassification(rows)
		if err != nil {
			return nil, err
		}
		out[c.ExternalID] = c
	}
	return out, rows.Err()
}

// PutClassification stores c if the post has no classification yet.
func (db *DB) PutClassification(ctx context.Context, c *model.Classification) error {
	membership, err := json.Marshal(c.Membership)
	if err != nil {
		return fmt.Errorf("encode membership: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO classifications (external_id, explanation, membership, model, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING`,
		c.ExternalID, c.Explanation, string(membership), c.Model, c.CreatedAt.UTC())
	if err != nil {
		return &model.Error{Op: "put classification", Kind: model.ErrStoreWriteFailed, ExternalID: c.ExternalID, Err: err}
	}
	return nil
}

// DeleteClassifications removes cached classifications.
func (db *DB) DeleteClassifications(ctx context.Context, externalIDs ...string) (int64, error) {
	var res sql.Result
	var err error
	if len(externalIDs) == 0 {
		res, err = db.conn.ExecContext(ctx, "DELETE FROM classifications")
	} else {
		args := make([]any, len(externalIDs))
		for i, id := range externalIDs {
			args[i] = id
		}
		res, err = db.conn.ExecContext(ctx, "DELETE FROM classifications WHERE external_id IN ("+
			strings.TrimSuffix(strings.Repeat("?,", len(externalIDs)), ",")+")", args...)
	}
	if err != nil {
		return 0, &model.Error{Op: "delete classifications", Kind: model.ErrStoreWriteFailed, Err: err}
	}
	return res.RowsAffected()
}

// --- Helpers ---

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommunity(row rowScanner) (*model.Community, error) {
	var c model.Community
	var last sql.NullTime
	if err := row.Scan(&c.ID, &c.Name, &c.DisplayName, &last, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if last.Valid {
		t := last.Time
		c.LastFetchedAt = &t
	}
	return &c, nil
}

func scanPost(row rowScanner) (*model.Post, error) {
	var p model.Post
	err := row.Scan(&p.ID, &p.ExternalID, &p.CommunityID, &p.Title, &p.Body, &p.Author, &p.URL,
		&p.Score, &p.CommentCount, &p.CreatedAt, &p.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPosts(rows *sql.Rows) ([]model.Post, error) {
	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func scanClassification(row rowScanner) (*model.Classification, error) {
	var c model.Classification
	var membership string
	err := row.Scan(&c.ExternalID, &c.Explanation, &membership, &c.Model, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(membership), &c.Membership); err != nil {
		return nil, fmt.Errorf("decode membership for %s: %w", c.ExternalID, err)
	}
	return &c, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
