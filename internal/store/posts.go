package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"threadsync/internal/protocol"
	"threadsync/internal/thread"
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id      BIGINT PRIMARY KEY,
	subject TEXT NOT NULL DEFAULT '',
	locked  BOOLEAN NOT NULL DEFAULT FALSE,
	bumped  BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS posts (
	id       BIGSERIAL PRIMARY KEY,
	thread   BIGINT NOT NULL,
	time     BIGINT NOT NULL,
	body     TEXT NOT NULL DEFAULT '',
	name     TEXT NOT NULL DEFAULT '',
	password BYTEA,
	ip       TEXT NOT NULL DEFAULT '',
	image    JSONB,
	editing  BOOLEAN NOT NULL DEFAULT TRUE,
	deleted  BOOLEAN NOT NULL DEFAULT FALSE,
	banned   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS posts_thread ON posts (thread, id);
CREATE INDEX IF NOT EXISTS posts_editing ON posts (time) WHERE editing;
CREATE TABLE IF NOT EXISTS accounts (
	id        TEXT PRIMARY KEY,
	moderator BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS sessions (
	token   TEXT PRIMARY KEY,
	account TEXT NOT NULL REFERENCES accounts ON DELETE CASCADE
);
`

// Capability of a connection's identity
type Capability uint8

const (
	Anonymous Capability = iota
	Moderator
)

// Post as stored
type Post struct {
	ID       uint64
	Thread   uint64
	Time     int64
	Body     string
	Name     string
	Password []byte
	IP       string
	Image    *protocol.Image
	Editing  bool
	Deleted  bool
	Banned   bool
}

// NewPost is an allocation to persist
type NewPost struct {
	// 0 opens a new thread
	Parent   uint64
	Subject  string
	Time     int64
	Body     string
	Name     string
	Password []byte
	IP       string
	Image    *protocol.Image
}

// OpenRef identifies an open post
type OpenRef struct {
	ID     uint64
	Thread uint64
}

// Posts stores posts, threads and identities in PostgreSQL
type Posts struct {
	pool *pgxpool.Pool
}

func NewPosts(pool *pgxpool.Pool) *Posts {
	return &Posts{pool: pool}
}

// Migrate creates missing tables
func (p *Posts) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// ThreadLocked reports, whether a thread is locked. Fails with ErrNotFound,
// if the thread does not exist.
func (p *Posts) ThreadLocked(ctx context.Context, id uint64) (locked bool, err error) {
	err = p.pool.QueryRow(ctx, `SELECT locked FROM threads WHERE id = $1`, id).
		Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		err = ErrNotFound
	}
	return
}

// Insert persists a new post and returns its id and thread. A post without a
// parent opens a thread with the post's id.
func (p *Posts) Insert(ctx context.Context, np NewPost) (id, threadID uint64, err error) {
	var img []byte
	if np.Image != nil {
		if img, err = json.Marshal(np.Image); err != nil {
			return
		}
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO posts (thread, time, body, name, password, ip, image)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			np.Parent, np.Time, np.Body, np.Name, np.Password, np.IP, img,
		).Scan(&id)
		if err != nil {
			return err
		}

		if np.Parent != 0 {
			threadID = np.Parent
			_, err = tx.Exec(ctx,
				`UPDATE threads SET bumped = $2 WHERE id = $1`,
				threadID, np.Time)
			return err
		}

		threadID = id
		_, err = tx.Exec(ctx, `UPDATE posts SET thread = $1 WHERE id = $1`, id)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO threads (id, subject, bumped) VALUES ($1, $2, $3)`,
			id, np.Subject, np.Time)
		return err
	})
	if err != nil {
		err = fmt.Errorf("inserting post: %w", err)
	}
	return
}

// Post returns a post by id
func (p *Posts) Post(ctx context.Context, id uint64) (Post, error) {
	rows, err := p.pool.Query(ctx, selectPosts+` WHERE id = $1`, id)
	if err != nil {
		return Post{}, err
	}
	posts, err := scanPosts(rows)
	if err != nil {
		return Post{}, err
	}
	if len(posts) == 0 {
		return Post{}, ErrNotFound
	}
	return posts[0], nil
}

const selectPosts = `SELECT id, thread, time, body, name, password, ip, image,
	editing, deleted, banned
	FROM posts`

func scanPosts(rows pgx.Rows) ([]Post, error) {
	defer rows.Close()
	var out []Post
	for rows.Next() {
		var (
			p   Post
			img []byte
		)
		err := rows.Scan(&p.ID, &p.Thread, &p.Time, &p.Body, &p.Name,
			&p.Password, &p.IP, &img, &p.Editing, &p.Deleted, &p.Banned)
		if err != nil {
			return nil, err
		}
		if img != nil {
			p.Image = new(protocol.Image)
			if err := json.Unmarshal(img, p.Image); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetBody replaces the body of an open post
func (p *Posts) SetBody(ctx context.Context, id uint64, body string) error {
	return p.exec(ctx, `UPDATE posts SET body = $2 WHERE id = $1 AND editing`, id, body)
}

// SetImage attaches an image to a post
func (p *Posts) SetImage(ctx context.Context, id uint64, img protocol.Image) error {
	buf, err := json.Marshal(img)
	if err != nil {
		return err
	}
	return p.exec(ctx, `UPDATE posts SET image = $2 WHERE id = $1`, id, buf)
}

// SetSpoiler spoilers the image of a post
func (p *Posts) SetSpoiler(ctx context.Context, id uint64) error {
	return p.exec(ctx,
		`UPDATE posts SET image = jsonb_set(image, '{spoiler}', 'true')
		WHERE id = $1 AND image IS NOT NULL`, id)
}

// Close makes a post immutable
func (p *Posts) Close(ctx context.Context, id uint64) error {
	return p.exec(ctx, `UPDATE posts SET editing = FALSE WHERE id = $1`, id)
}

// Delete marks posts deleted
func (p *Posts) Delete(ctx context.Context, ids []uint64) error {
	return p.exec(ctx, `UPDATE posts SET deleted = TRUE WHERE id = ANY($1)`, ids)
}

// Ban marks the authors of posts banned
func (p *Posts) Ban(ctx context.Context, ids []uint64) error {
	return p.exec(ctx, `UPDATE posts SET banned = TRUE WHERE id = ANY($1)`, ids)
}

// SetLocked locks or unlocks a thread
func (p *Posts) SetLocked(ctx context.Context, id uint64, locked bool) error {
	return p.exec(ctx, `UPDATE threads SET locked = $2 WHERE id = $1`, id, locked)
}

func (p *Posts) exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

// Threads maps post ids to the threads they belong to. Unknown ids are
// omitted.
func (p *Posts) Threads(ctx context.Context, ids []uint64) (map[uint64]uint64, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, thread FROM posts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uint64]uint64, len(ids))
	for rows.Next() {
		var id, th uint64
		if err := rows.Scan(&id, &th); err != nil {
			return nil, err
		}
		out[id] = th
	}
	return out, rows.Err()
}

// ExpiredOpen returns posts still open, that were created before t
func (p *Posts) ExpiredOpen(ctx context.Context, t time.Time) ([]OpenRef, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, thread FROM posts WHERE editing AND time < $1`, t.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OpenRef
	for rows.Next() {
		var r OpenRef
		if err := rows.Scan(&r.ID, &r.Thread); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Snapshot returns the public state of a thread's posts. Thread 0 lists the
// opening post of every thread.
func (p *Posts) Snapshot(ctx context.Context, id uint64) (locked bool, posts []thread.Post, err error) {
	var rows pgx.Rows
	if id == thread.IndexID {
		rows, err = p.pool.Query(ctx, selectPosts+` WHERE id = thread ORDER BY id`)
	} else {
		locked, err = p.ThreadLocked(ctx, id)
		if err != nil {
			return
		}
		rows, err = p.pool.Query(ctx, selectPosts+` WHERE thread = $1 ORDER BY id`, id)
	}
	if err != nil {
		return
	}
	stored, err := scanPosts(rows)
	if err != nil {
		return
	}
	posts = make([]thread.Post, 0, len(stored))
	for _, s := range stored {
		posts = append(posts, s.Public())
	}
	return
}

// Public returns the post as sent to clients
func (p Post) Public() thread.Post {
	return thread.Post{
		ID:      p.ID,
		Thread:  p.Thread,
		Time:    p.Time,
		Body:    p.Body,
		Name:    p.Name,
		Image:   p.Image,
		Editing: p.Editing,
		Deleted: p.Deleted,
		Banned:  p.Banned,
	}
}

// Capability returns the capability of a session token. Unknown tokens are
// anonymous.
func (p *Posts) Capability(ctx context.Context, token string) (Capability, error) {
	if token == "" {
		return Anonymous, nil
	}
	var mod bool
	err := p.pool.QueryRow(ctx,
		`SELECT a.moderator FROM sessions s JOIN accounts a ON a.id = s.account
		WHERE s.token = $1`, token,
	).Scan(&mod)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Anonymous, nil
	case err != nil:
		return Anonymous, err
	case mod:
		return Moderator, nil
	default:
		return Anonymous, nil
	}
}
