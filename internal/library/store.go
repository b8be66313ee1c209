// Package library はアップロード済み動画とプレイリストの永続レコードを
// SQLite で管理します。
package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound はレコードが存在しないことを表します。
var ErrNotFound = errors.New("library: record not found")

// File は保存済み動画のレコードです。
type File struct {
	ID           string         `json:"id"`
	S3URL        string         `json:"s3_url,omitempty"`
	S3Key        string         `json:"s3_key,omitempty"`
	JobID        string         `json:"job_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	VideoWidth   int            `json:"video_width,omitempty"`
	VideoHeight  int            `json:"video_height,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	ThumbnailKey string         `json:"thumbnail_key,omitempty"`
	PlaylistID   string         `json:"playlist_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Playlist はプレイリストのレコードです。
type Playlist struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	PublishStatus string    `json:"publish_status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store は SQLite バックエンドのレコードストアです。
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
    id TEXT PRIMARY KEY,
    s3_url TEXT,
    s3_key TEXT,
    job_id TEXT,
    metadata TEXT,
    video_width INTEGER,
    video_height INTEGER,
    thumbnail_url TEXT,
    thumbnail_key TEXT,
    playlist_id TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_job_id ON files(job_id);
CREATE INDEX IF NOT EXISTS idx_files_playlist_id ON files(playlist_id);

CREATE TABLE IF NOT EXISTS playlists (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT,
    publish_status TEXT NOT NULL DEFAULT 'private',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// Open はデータベースを開き、スキーマを適用します。
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じます。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveFile はファイルレコードを保存します。既存IDの場合は置き換えます。
func (s *Store) SaveFile(ctx context.Context, file *File) error {
	if file == nil || file.ID == "" {
		return fmt.Errorf("file id is required")
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := marshalMeta(file.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (
            id, s3_url, s3_key, job_id, metadata, video_width, video_height,
            thumbnail_url, thumbnail_key, playlist_id, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.S3URL, file.S3Key, file.JobID, metaJSON,
		file.VideoWidth, file.VideoHeight, file.ThumbnailURL, file.ThumbnailKey,
		nullableString(file.PlaylistID), file.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save file record: %w", err)
	}
	return nil
}

// GetFile はファイルレコードを取得します。
func (s *Store) GetFile(ctx context.Context, id string) (*File, error) {
	row := s.db.QueryRowContext(ctx, selectFileColumns+` WHERE id = ?`, id)
	return scanFile(row)
}

// ListFiles はファイルレコードを作成日時の降順で返します。
// playlistID が空でない場合はそのプレイリストに絞り込みます。
func (s *Store) ListFiles(ctx context.Context, playlistID string) ([]*File, error) {
	query := selectFileColumns
	args := []any{}
	if playlistID != "" {
		query += ` WHERE playlist_id = ?`
		args = append(args, playlistID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// UpdateFile はファイルレコードを更新します。
func (s *Store) UpdateFile(ctx context.Context, file *File) error {
	if file == nil || file.ID == "" {
		return fmt.Errorf("file id is required")
	}
	metaJSON, err := marshalMeta(file.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET
            s3_url = ?, s3_key = ?, job_id = ?, metadata = ?,
            video_width = ?, video_height = ?, thumbnail_url = ?,
            thumbnail_key = ?, playlist_id = ?
        WHERE id = ?`,
		file.S3URL, file.S3Key, file.JobID, metaJSON,
		file.VideoWidth, file.VideoHeight, file.ThumbnailURL,
		file.ThumbnailKey, nullableString(file.PlaylistID), file.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update file record: %w", err)
	}
	return requireAffected(res)
}

// DeleteFile はファイルレコードを削除します。
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	return requireAffected(res)
}

// FindFileByJob はジョブIDに対応するファイルレコードを返します。
func (s *Store) FindFileByJob(ctx context.Context, jobID string) (*File, error) {
	row := s.db.QueryRowContext(ctx, selectFileColumns+` WHERE job_id = ?`, jobID)
	return scanFile(row)
}

// FindFileByStoryboardJob はメタデータにストーリーボードジョブIDを持つ
// 親レコードを返します。ストーリーボード完了時の書き戻しに使います。
func (s *Store) FindFileByStoryboardJob(ctx context.Context, storyboardJobID string) (*File, error) {
	row := s.db.QueryRowContext(ctx,
		selectFileColumns+` WHERE json_extract(metadata, '$.storyboard_job_id') = ?`,
		storyboardJobID,
	)
	return scanFile(row)
}

// CreatePlaylist はプレイリストを作成します。
func (s *Store) CreatePlaylist(ctx context.Context, playlist *Playlist) error {
	if playlist == nil || playlist.ID == "" {
		return fmt.Errorf("playlist id is required")
	}
	if playlist.PublishStatus == "" {
		playlist.PublishStatus = "private"
	}
	now := time.Now().UTC()
	if playlist.CreatedAt.IsZero() {
		playlist.CreatedAt = now
	}
	playlist.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO playlists (id, title, description, publish_status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		playlist.ID, playlist.Title, playlist.Description, playlist.PublishStatus,
		playlist.CreatedAt.Format(time.RFC3339Nano), playlist.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create playlist: %w", err)
	}
	return nil
}

// GetPlaylist はプレイリストを取得します。
func (s *Store) GetPlaylist(ctx context.Context, id string) (*Playlist, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, publish_status, created_at, updated_at
         FROM playlists WHERE id = ?`, id)
	return scanPlaylist(row)
}

// ListPlaylists は全プレイリストを作成日時の降順で返します。
func (s *Store) ListPlaylists(ctx context.Context) ([]*Playlist, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, publish_status, created_at, updated_at
         FROM playlists ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list playlists: %w", err)
	}
	defer rows.Close()

	var playlists []*Playlist
	for rows.Next() {
		playlist, err := scanPlaylist(rows)
		if err != nil {
			return nil, err
		}
		playlists = append(playlists, playlist)
	}
	return playlists, rows.Err()
}

// UpdatePlaylist はプレイリストを更新します。
func (s *Store) UpdatePlaylist(ctx context.Context, playlist *Playlist) error {
	if playlist == nil || playlist.ID == "" {
		return fmt.Errorf("playlist id is required")
	}
	playlist.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE playlists SET title = ?, description = ?, publish_status = ?, updated_at = ?
         WHERE id = ?`,
		playlist.Title, playlist.Description, playlist.PublishStatus,
		playlist.UpdatedAt.Format(time.RFC3339Nano), playlist.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update playlist: %w", err)
	}
	return requireAffected(res)
}

// DeletePlaylist はプレイリストを削除し、所属ファイルの紐付けを外します。
func (s *Store) DeletePlaylist(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE files SET playlist_id = NULL WHERE playlist_id = ?`, id); err != nil {
		return fmt.Errorf("failed to detach files: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM playlists WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete playlist: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

const selectFileColumns = `SELECT id, s3_url, s3_key, job_id, metadata, video_width, video_height,
    thumbnail_url, thumbnail_key, playlist_id, created_at FROM files`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*File, error) {
	var (
		file       File
		metaJSON   sql.NullString
		playlistID sql.NullString
		createdAt  string
	)
	err := row.Scan(
		&file.ID, &file.S3URL, &file.S3Key, &file.JobID, &metaJSON,
		&file.VideoWidth, &file.VideoHeight, &file.ThumbnailURL,
		&file.ThumbnailKey, &playlistID, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan file record: %w", err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &file.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse file metadata: %w", err)
		}
	}
	file.PlaylistID = playlistID.String
	file.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &file, nil
}

func scanPlaylist(row rowScanner) (*Playlist, error) {
	var (
		playlist             Playlist
		description          sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&playlist.ID, &playlist.Title, &description, &playlist.PublishStatus, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan playlist: %w", err)
	}
	playlist.Description = description.String
	playlist.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	playlist.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &playlist, nil
}

func marshalMeta(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
