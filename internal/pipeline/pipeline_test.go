package pipeline

import (
	"context"
	"math"
	"testing"
)

func TestSpawnStoryboardPassesStorageKey(t *testing.T) {
	// 子ジョブには署名付きURLだけでなく保存キーを渡す。キューの滞留で
	// 起動が遅れても、子が実行時に新しいURLを発行できるようにするため
	stub := &stubStarter{jobID: "sb-1"}
	s := NewService(ServiceOptions{})
	s.SetSpawner(stub)

	videoURL := "https://minio.local/media-bucket/videos/j1/video_j1.mp4?X-Amz-Expires=3600"
	childID, ok := s.spawnStoryboard(context.Background(), videoURL, "videos/j1/video_j1.mp4")
	if !ok || childID != "sb-1" {
		t.Fatalf("spawn failed: id=%q ok=%v", childID, ok)
	}
	if stub.req.Kind != KindStoryboard {
		t.Fatalf("unexpected kind: %s", stub.req.Kind)
	}
	if stub.req.SourceKey != "videos/j1/video_j1.mp4" {
		t.Fatalf("storage key not carried: %q", stub.req.SourceKey)
	}
	if stub.req.URL != videoURL {
		t.Fatalf("video url not carried: %q", stub.req.URL)
	}
	if stub.source != "storyboard:"+videoURL {
		t.Fatalf("unexpected source descriptor: %q", stub.source)
	}
}

func TestStoryboardSourceFallsBackToRequestURL(t *testing.T) {
	s := NewService(ServiceOptions{})

	// キー無し（外部URL指定のストーリーボード）はそのままURLを使う
	got, err := s.storyboardSource(context.Background(), Request{URL: "https://example.com/v.mp4"})
	if err != nil || got != "https://example.com/v.mp4" {
		t.Fatalf("unexpected source: %q err=%v", got, err)
	}

	// ストレージ未設定ならキーがあってもURLへフォールバックする
	got, err = s.storyboardSource(context.Background(), Request{
		URL:       "https://example.com/v.mp4",
		SourceKey: "videos/j1/video_j1.mp4",
	})
	if err != nil || got != "https://example.com/v.mp4" {
		t.Fatalf("unexpected source: %q err=%v", got, err)
	}
}

func TestSpanMapsProgressIntoWindow(t *testing.T) {
	w := span{10, 90}
	cases := []struct {
		in   float64
		want float64
	}{
		{0, 10},
		{50, 50},
		{100, 90},
		{-5, 10},  // clamp below
		{150, 90}, // clamp above
	}
	for _, c := range cases {
		if got := w.at(c.in); math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("span{10,90}.at(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSplitMetaFromOriginal(t *testing.T) {
	req := Request{
		Kind:  KindSplit,
		Start: 12.5,
		End:   30,
		OriginalMeta: map[string]any{
			"title":             "My Video",
			"duration":          120.0,
			"uploader":          "someone",
			"frames":            []any{"stale"},
			"storyboard_job_id": "sb-old",
			"frame_count":       9,
		},
	}

	meta := splitMeta(req)

	if meta["title"] != "My Video (Split 12.5s-30.0s)" {
		t.Fatalf("unexpected title: %v", meta["title"])
	}
	if meta["is_split"] != true {
		t.Fatalf("is_split not set: %v", meta["is_split"])
	}
	if meta["original_duration"] != 120.0 {
		t.Fatalf("original duration not carried: %v", meta["original_duration"])
	}
	if meta["split_start"] != 12.5 || meta["split_end"] != 30.0 {
		t.Fatalf("split range not recorded: %v %v", meta["split_start"], meta["split_end"])
	}
	if meta["uploader"] != "someone" {
		t.Fatalf("original metadata not carried: %v", meta["uploader"])
	}
	for _, field := range storyboardMetaFields {
		if _, ok := meta[field]; ok {
			t.Fatalf("storyboard field %q should be dropped", field)
		}
	}
}

func TestSplitMetaOpenEnded(t *testing.T) {
	meta := splitMeta(Request{Kind: KindSplit, Start: 5})

	if meta["title"] != "Split Video (from 5.0s)" {
		t.Fatalf("unexpected title: %v", meta["title"])
	}
	if _, ok := meta["split_end"]; ok {
		t.Fatalf("open-ended split should not record split_end")
	}
}

func TestSplitMetaUnknownTitle(t *testing.T) {
	meta := splitMeta(Request{
		Kind:         KindSplit,
		Start:        0,
		End:          2,
		OriginalMeta: map[string]any{"duration": 10.0},
	})
	if meta["title"] != "Unknown (Split 0.0s-2.0s)" {
		t.Fatalf("unexpected title: %v", meta["title"])
	}
}

func TestStoryboardTitle(t *testing.T) {
	if got := storyboardTitle("https://bucket.s3.amazonaws.com/videos/j1/video_j1.mp4?X-Amz-Signature=x"); got != "video_j1.mp4" {
		t.Fatalf("unexpected title: %q", got)
	}
	if got := storyboardTitle("/tmp/local/video.mp4"); got != "video.mp4" {
		t.Fatalf("unexpected title for local path: %q", got)
	}
}
