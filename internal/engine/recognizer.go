package engine

import (
	"fmt"
	"os"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/petems/listen/internal/errs"
)

// Recognizer is a streaming speech recognizer. It is driven by one goroutine.
type Recognizer interface {
	AcceptWaveform(sampleRate int, samples []float32)
	// Decode runs every ready frame and returns the current hypothesis.
	Decode() string
	Reset()
	Close() error
}

// SherpaConfig points at a streaming transducer model.
type SherpaConfig struct {
	Encoder  string
	Decoder  string
	Joiner   string
	Tokens   string
	Provider string
	Threads  int
	Decoding string
}

// Check reports EngineUnavailable when any model file is missing.
func (c SherpaConfig) Check() error {
	files := map[string]string{
		"encoder": c.Encoder,
		"decoder": c.Decoder,
		"joiner":  c.Joiner,
		"tokens":  c.Tokens,
	}
	for name, path := range files {
		if path == "" {
			return errs.Errorf(errs.EngineUnavailable, "sherpa-onnx", "missing %s model path", name)
		}
		if _, err := os.Stat(path); err != nil {
			return errs.E(errs.EngineUnavailable, "sherpa-onnx", err)
		}
	}
	return nil
}

// Sherpa wraps a sherpa-onnx online recognizer and its single stream.
type Sherpa struct {
	recognizer *sherpa.OnlineRecognizer
	stream     *sherpa.OnlineStream
}

// NewSherpa loads the model. Loading is slow; callers construct it once.
func NewSherpa(cfg SherpaConfig) (*Sherpa, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if cfg.Provider == "" {
		cfg.Provider = "cpu"
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.Decoding == "" {
		cfg.Decoding = "greedy_search"
	}

	config := sherpa.OnlineRecognizerConfig{}
	config.FeatConfig = sherpa.FeatureConfig{SampleRate: 16000, FeatureDim: 80}
	config.ModelConfig.Transducer.Encoder = cfg.Encoder
	config.ModelConfig.Transducer.Decoder = cfg.Decoder
	config.ModelConfig.Transducer.Joiner = cfg.Joiner
	config.ModelConfig.Tokens = cfg.Tokens
	config.ModelConfig.NumThreads = cfg.Threads
	config.ModelConfig.Provider = cfg.Provider
	config.DecodingMethod = cfg.Decoding
	config.MaxActivePaths = 4
	// segmentation is done by Endpointer so stop/start stay under our control
	config.EnableEndpoint = 0

	recognizer := sherpa.NewOnlineRecognizer(&config)
	if recognizer == nil {
		return nil, errs.E(errs.EngineUnavailable, "sherpa-onnx", fmt.Errorf("failed to load model %s", cfg.Encoder))
	}

	return &Sherpa{
		recognizer: recognizer,
		stream:     sherpa.NewOnlineStream(recognizer),
	}, nil
}

func (s *Sherpa) AcceptWaveform(sampleRate int, samples []float32) {
	s.stream.AcceptWaveform(sampleRate, samples)
}

func (s *Sherpa) Decode() string {
	for s.recognizer.IsReady(s.stream) {
		s.recognizer.Decode(s.stream)
	}
	return s.recognizer.GetResult(s.stream).Text
}

func (s *Sherpa) Reset() {
	s.recognizer.Reset(s.stream)
}

func (s *Sherpa) Close() error {
	if s.stream != nil {
		sherpa.DeleteOnlineStream(s.stream)
		s.stream = nil
	}
	if s.recognizer != nil {
		sherpa.DeleteOnlineRecognizer(s.recognizer)
		s.recognizer = nil
	}
	return nil
}
