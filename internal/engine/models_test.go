package engine

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/petems/listen/internal/errs"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFindModelPrefersFullPrecision(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"encoder-epoch-99-avg-1.int8.onnx", "encoder-epoch-99-avg-1.onnx",
		"decoder-epoch-99-avg-1.onnx",
		"joiner-epoch-99-avg-1.int8.onnx",
		"tokens.txt",
	)

	cfg, err := FindModel(dir)
	if err != nil {
		t.Fatalf("FindModel: %v", err)
	}
	if filepath.Base(cfg.Encoder) != "encoder-epoch-99-avg-1.onnx" {
		t.Errorf("encoder = %s", cfg.Encoder)
	}
	if filepath.Base(cfg.Joiner) != "joiner-epoch-99-avg-1.int8.onnx" {
		t.Errorf("joiner should fall back to int8, got %s", cfg.Joiner)
	}
	if cfg.Tokens != filepath.Join(dir, "tokens.txt") {
		t.Errorf("tokens = %s", cfg.Tokens)
	}
}

func TestFindModelIncomplete(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "encoder.onnx", "decoder.onnx", "joiner.onnx")

	if _, err := FindModel(dir); !errors.Is(err, errs.ErrEngineUnavailable) {
		t.Fatalf("expected EngineUnavailable without tokens.txt, got %v", err)
	}
}

func TestExtractModelFlattens(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	files := map[string]string{
		"model-2023/encoder.onnx":       "enc",
		"model-2023/tokens.txt":         "tok",
		"model-2023/README.md":          "skip",
		"model-2023/test_wavs/0.wav":    "skip",
		"model-2023/nested/joiner.onnx": "join",
	}
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := extractModel(&buf, dest); err != nil {
		t.Fatalf("extractModel: %v", err)
	}

	for name, want := range map[string]string{"encoder.onnx": "enc", "tokens.txt": "tok", "joiner.onnx": "join"} {
		got, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil || string(got) != want {
			t.Errorf("%s = %q, %v", name, got, err)
		}
	}
	for _, name := range []string{"README.md", "0.wav"} {
		if _, err := os.Stat(filepath.Join(dest, name)); !os.IsNotExist(err) {
			t.Errorf("%s should not be extracted", name)
		}
	}
}

func TestModelNames(t *testing.T) {
	names := ModelNames()
	found := false
	for _, n := range names {
		if n == DefaultModel {
			found = true
		}
	}
	if !found {
		t.Fatalf("default model %q missing from %v", DefaultModel, names)
	}
}
