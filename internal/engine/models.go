package engine

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultModel is the streaming model fetched by `listen models download`.
const DefaultModel = "zipformer-en20m"

// Streaming transducer archives published by sherpa-onnx
var modelURLs = map[string]string{
	"zipformer-en20m": "https://github.com/k2-fsa/sherpa-onnx/releases/download/asr-models/sherpa-onnx-streaming-zipformer-en-20M-2023-02-17.tar.bz2",
	"zipformer-en":    "https://github.com/k2-fsa/sherpa-onnx/releases/download/asr-models/sherpa-onnx-streaming-zipformer-en-2023-06-26.tar.bz2",
}

// ModelNames lists the downloadable models.
func ModelNames() []string {
	names := make([]string, 0, len(modelURLs))
	for name := range modelURLs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// progressWriter logs download progress
type progressWriter struct {
	log        zerolog.Logger
	total      int64
	downloaded int64
	lastLog    time.Time
	model      string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n := len(p)
	pw.downloaded += int64(n)

	now := time.Now()
	if now.Sub(pw.lastLog) >= 2*time.Second || (pw.total > 0 && pw.downloaded >= pw.total) {
		pw.lastLog = now
		ev := pw.log.Info().
			Str("model", pw.model).
			Float64("downloaded_mb", float64(pw.downloaded)/1024/1024)
		if pw.total > 0 {
			ev = ev.Float64("percent", float64(pw.downloaded)/float64(pw.total)*100)
		}
		ev.Msg("Downloading model")
	}

	return n, nil
}

// DownloadModel fetches a model archive and unpacks its files into
// dir/<name>. It returns the resolved model paths.
func DownloadModel(ctx context.Context, log zerolog.Logger, name, dir string) (SherpaConfig, error) {
	url, ok := modelURLs[name]
	if !ok {
		return SherpaConfig{}, fmt.Errorf("unknown model: %s", name)
	}

	dest := filepath.Join(dir, name)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return SherpaConfig{}, fmt.Errorf("failed to create models directory: %w", err)
	}

	log.Info().Str("model", name).Str("url", url).Msg("Starting model download")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return SherpaConfig{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return SherpaConfig{}, fmt.Errorf("failed to download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SherpaConfig{}, fmt.Errorf("failed to download model: HTTP %d", resp.StatusCode)
	}

	pw := &progressWriter{log: log, total: resp.ContentLength, model: name}
	body := io.TeeReader(resp.Body, pw)

	if err := extractModel(bzip2.NewReader(body), dest); err != nil {
		return SherpaConfig{}, err
	}

	log.Info().Str("model", name).Str("path", dest).Msg("Model ready")
	return FindModel(dest)
}

// extractModel writes the regular files of a tar stream flat into dest.
func extractModel(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read model archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		base := filepath.Base(hdr.Name)
		if !strings.HasSuffix(base, ".onnx") && !strings.HasSuffix(base, ".txt") {
			continue
		}

		if err := writeFileAtomic(filepath.Join(dest, base), tr); err != nil {
			return err
		}
	}
}

func writeFileAtomic(path string, r io.Reader) error {
	tmp := path + ".tmp"
	defer os.Remove(tmp)

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// FindModel resolves the transducer files in dir. Full-precision files are
// preferred over int8 ones.
func FindModel(dir string) (SherpaConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return SherpaConfig{}, err
	}

	pick := func(prefix string) string {
		var int8 string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".onnx") {
				continue
			}
			if strings.Contains(name, ".int8.") {
				int8 = name
				continue
			}
			return filepath.Join(dir, name)
		}
		if int8 != "" {
			return filepath.Join(dir, int8)
		}
		return ""
	}

	cfg := SherpaConfig{
		Encoder: pick("encoder"),
		Decoder: pick("decoder"),
		Joiner:  pick("joiner"),
	}
	if _, err := os.Stat(filepath.Join(dir, "tokens.txt")); err == nil {
		cfg.Tokens = filepath.Join(dir, "tokens.txt")
	}

	if err := cfg.Check(); err != nil {
		return SherpaConfig{}, err
	}
	return cfg, nil
}
