package library

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndGetFile(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	file := &File{
		ID:           "file-1",
		S3URL:        "https://bucket/videos/job-1/video_job-1.mp4",
		S3Key:        "videos/job-1/video_job-1.mp4",
		JobID:        "job-1",
		Metadata:     map[string]any{"title": "demo", "duration": 12.5},
		VideoWidth:   1920,
		VideoHeight:  1080,
		ThumbnailURL: "https://bucket/thumbnails/job-1.jpg",
		ThumbnailKey: "thumbnails/job-1.jpg",
	}
	if err := store.SaveFile(ctx, file); err != nil {
		t.Fatalf("failed to save file: %v", err)
	}

	got, err := store.GetFile(ctx, "file-1")
	if err != nil {
		t.Fatalf("failed to get file: %v", err)
	}
	if got.S3Key != file.S3Key {
		t.Fatalf("unexpected s3 key: %s", got.S3Key)
	}
	if got.Metadata["title"] != "demo" {
		t.Fatalf("metadata not round-tripped: %v", got.Metadata)
	}
	if got.VideoWidth != 1920 || got.VideoHeight != 1080 {
		t.Fatalf("dimensions not round-tripped: %dx%d", got.VideoWidth, got.VideoHeight)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("createdAt not persisted")
	}
}

func TestGetFileNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetFile(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFilesFilteredByPlaylist(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	playlist := &Playlist{ID: "pl-1", Title: "Shorts"}
	if err := store.CreatePlaylist(ctx, playlist); err != nil {
		t.Fatalf("failed to create playlist: %v", err)
	}

	for i, pl := range []string{"pl-1", "", "pl-1"} {
		file := &File{
			ID:         "file-" + string(rune('a'+i)),
			PlaylistID: pl,
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveFile(ctx, file); err != nil {
			t.Fatalf("failed to save file: %v", err)
		}
	}

	all, err := store.ListFiles(ctx, "")
	if err != nil {
		t.Fatalf("failed to list all files: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 files, got %d", len(all))
	}
	// 作成日時の降順
	if all[0].ID != "file-c" {
		t.Fatalf("expected newest first, got %s", all[0].ID)
	}

	filtered, err := store.ListFiles(ctx, "pl-1")
	if err != nil {
		t.Fatalf("failed to list filtered files: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 files in playlist, got %d", len(filtered))
	}
}

func TestUpdateFile(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveFile(ctx, &File{ID: "file-1", Metadata: map[string]any{"title": "before"}}); err != nil {
		t.Fatalf("failed to save file: %v", err)
	}

	file, _ := store.GetFile(ctx, "file-1")
	file.Metadata["title"] = "after"
	file.Metadata["storyboard_html_key"] = "storyboards/sb-1/index.html"
	if err := store.UpdateFile(ctx, file); err != nil {
		t.Fatalf("failed to update file: %v", err)
	}

	got, _ := store.GetFile(ctx, "file-1")
	if got.Metadata["title"] != "after" {
		t.Fatalf("update not persisted: %v", got.Metadata)
	}

	if err := store.UpdateFile(ctx, &File{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestDeleteFile(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveFile(ctx, &File{ID: "file-1"}); err != nil {
		t.Fatalf("failed to save file: %v", err)
	}
	if err := store.DeleteFile(ctx, "file-1"); err != nil {
		t.Fatalf("failed to delete file: %v", err)
	}
	if _, err := store.GetFile(ctx, "file-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected file to be gone, got %v", err)
	}
	if err := store.DeleteFile(ctx, "file-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestFindFileByStoryboardJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	file := &File{
		ID:       "file-1",
		JobID:    "job-1",
		Metadata: map[string]any{"storyboard_job_id": "sb-9"},
	}
	if err := store.SaveFile(ctx, file); err != nil {
		t.Fatalf("failed to save file: %v", err)
	}

	got, err := store.FindFileByStoryboardJob(ctx, "sb-9")
	if err != nil {
		t.Fatalf("failed to find parent: %v", err)
	}
	if got.ID != "file-1" {
		t.Fatalf("unexpected parent: %s", got.ID)
	}

	if _, err := store.FindFileByStoryboardJob(ctx, "sb-none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindFileByJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveFile(ctx, &File{ID: "file-1", JobID: "job-7"}); err != nil {
		t.Fatalf("failed to save file: %v", err)
	}
	got, err := store.FindFileByJob(ctx, "job-7")
	if err != nil {
		t.Fatalf("failed to find by job: %v", err)
	}
	if got.ID != "file-1" {
		t.Fatalf("unexpected file: %s", got.ID)
	}
}

func TestPlaylistCRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	playlist := &Playlist{ID: "pl-1", Title: "Clips", Description: "short clips"}
	if err := store.CreatePlaylist(ctx, playlist); err != nil {
		t.Fatalf("failed to create playlist: %v", err)
	}
	if playlist.PublishStatus != "private" {
		t.Fatalf("expected default publish status private, got %s", playlist.PublishStatus)
	}

	got, err := store.GetPlaylist(ctx, "pl-1")
	if err != nil {
		t.Fatalf("failed to get playlist: %v", err)
	}
	if got.Title != "Clips" || got.Description != "short clips" {
		t.Fatalf("unexpected playlist: %+v", got)
	}

	got.Title = "Renamed"
	got.PublishStatus = "public"
	if err := store.UpdatePlaylist(ctx, got); err != nil {
		t.Fatalf("failed to update playlist: %v", err)
	}
	updated, _ := store.GetPlaylist(ctx, "pl-1")
	if updated.Title != "Renamed" || updated.PublishStatus != "public" {
		t.Fatalf("update not persisted: %+v", updated)
	}

	lists, err := store.ListPlaylists(ctx)
	if err != nil || len(lists) != 1 {
		t.Fatalf("unexpected list result: %v %d", err, len(lists))
	}
}

func TestDeletePlaylistDetachesFiles(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreatePlaylist(ctx, &Playlist{ID: "pl-1", Title: "Clips"}); err != nil {
		t.Fatalf("failed to create playlist: %v", err)
	}
	if err := store.SaveFile(ctx, &File{ID: "file-1", PlaylistID: "pl-1"}); err != nil {
		t.Fatalf("failed to save file: %v", err)
	}

	if err := store.DeletePlaylist(ctx, "pl-1"); err != nil {
		t.Fatalf("failed to delete playlist: %v", err)
	}
	if _, err := store.GetPlaylist(ctx, "pl-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("playlist should be gone, got %v", err)
	}

	file, err := store.GetFile(ctx, "file-1")
	if err != nil {
		t.Fatalf("file should survive playlist deletion: %v", err)
	}
	if file.PlaylistID != "" {
		t.Fatalf("file should be detached, got playlist %s", file.PlaylistID)
	}
}
