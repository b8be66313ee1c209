package pipeline

import (
	"errors"
	"testing"
)

func TestValidateDownloadURL(t *testing.T) {
	if err := validateDownloadURL("https://www.youtube.com/watch?v=abc", nil); err != nil {
		t.Fatalf("valid url rejected: %v", err)
	}
	if err := validateDownloadURL("http://example.com/video", nil); err != nil {
		t.Fatalf("http url rejected: %v", err)
	}
}

func TestValidateDownloadURLRejectsScheme(t *testing.T) {
	for _, raw := range []string{
		"ftp://example.com/video",
		"file:///etc/passwd",
		"javascript:alert(1)",
	} {
		err := validateDownloadURL(raw, nil)
		if err == nil {
			t.Fatalf("expected rejection for %q", raw)
		}
		var apiErr *Error
		if !errors.As(err, &apiErr) || apiErr.Code != "INVALID_INPUT" {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
	}
}

func TestValidateDownloadURLRequiresDomain(t *testing.T) {
	if err := validateDownloadURL("https:///path-only", nil); err == nil {
		t.Fatal("expected rejection for url without domain")
	}
}

func TestValidateDownloadURLAllowedHosts(t *testing.T) {
	allowed := []string{"youtube.com", "vimeo.com"}

	for _, raw := range []string{
		"https://youtube.com/watch?v=abc",
		"https://www.youtube.com/watch?v=abc",
		"https://player.vimeo.com/video/1",
	} {
		if err := validateDownloadURL(raw, allowed); err != nil {
			t.Fatalf("allowed host rejected for %q: %v", raw, err)
		}
	}

	for _, raw := range []string{
		"https://example.com/video",
		"https://notyoutube.com/watch",
		"https://youtube.com.evil.net/watch",
	} {
		err := validateDownloadURL(raw, allowed)
		if err == nil {
			t.Fatalf("expected rejection for %q", raw)
		}
		var apiErr *Error
		if !errors.As(err, &apiErr) || apiErr.Code != "DOMAIN_NOT_ALLOWED" {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
	}
}

func TestValidateDownloadURLIgnoresPort(t *testing.T) {
	if err := validateDownloadURL("https://media.youtube.com:8443/v", []string{"youtube.com"}); err != nil {
		t.Fatalf("host with port rejected: %v", err)
	}
}
