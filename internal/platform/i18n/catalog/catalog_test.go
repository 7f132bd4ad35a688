package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmbeddedHasExpectedLocales(t *testing.T) {
	bundle, err := LoadEmbedded()
	if err != nil {
		t.Fatalf("load embedded catalogs: %v", err)
	}
	if !bundle.HasLocale(BaseLocale) {
		t.Fatalf("expected base locale %s", BaseLocale)
	}
	if !bundle.HasLocale("vi") {
		t.Fatal("expected locale vi")
	}
	if _, ok := bundle.Message("en", "quiz.auto_end.time_expired"); !ok {
		t.Fatal("expected time_expired message")
	}
}

func TestMessageFallsBackToBaseLocale(t *testing.T) {
	bundle, err := LoadEmbedded()
	if err != nil {
		t.Fatalf("load embedded catalogs: %v", err)
	}
	want, _ := bundle.Message(BaseLocale, "quiz.auto_end.default")
	got, ok := bundle.Message("fr", "quiz.auto_end.default")
	if !ok || got != want {
		t.Fatalf("Message(fr) = %q, %v; want %q", got, ok, want)
	}
}

func TestPrinterUsesMatchedLocale(t *testing.T) {
	bundle := Default()
	vi, _ := bundle.Message("vi", "quiz.auto_end.time_expired")
	en, _ := bundle.Message("en", "quiz.auto_end.time_expired")

	if got := bundle.Printer("vi-VN").Sprintf("quiz.auto_end.time_expired"); got != vi {
		t.Fatalf("vi printer = %q, want %q", got, vi)
	}
	if got := bundle.Printer("de").Sprintf("quiz.auto_end.time_expired"); got != en {
		t.Fatalf("fallback printer = %q, want %q", got, en)
	}
}

func TestLoadFromFSRejectsKeyOutsideNamespace(t *testing.T) {
	tempDir := t.TempDir()
	mustWriteFile(t, filepath.Join(tempDir, "locales/en/quiz.yaml"), `locale: "en"
namespace: "quiz"
messages:
  "room.bad": "nope"
`)
	if _, err := LoadFromFS(os.DirFS(tempDir)); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadFromFSRequiresBaseLocale(t *testing.T) {
	tempDir := t.TempDir()
	mustWriteFile(t, filepath.Join(tempDir, "locales/vi/quiz.yaml"), `locale: "vi"
namespace: "quiz"
messages:
  "quiz.a": "b"
`)
	if _, err := LoadFromFS(os.DirFS(tempDir)); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadFromFSRejectsLocaleMismatch(t *testing.T) {
	tempDir := t.TempDir()
	mustWriteFile(t, filepath.Join(tempDir, "locales/en/quiz.yaml"), `locale: "vi"
namespace: "quiz"
messages:
  "quiz.a": "b"
`)
	if _, err := LoadFromFS(os.DirFS(tempDir)); err == nil {
		t.Fatal("expected error")
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
