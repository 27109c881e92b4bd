package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/petems/listen/internal/errs"
)

const deepgramURL = "wss://api.deepgram.com/v1/listen"

type DeepgramConfig struct {
	APIKey     string
	URL        string
	Model      string
	SampleRate int
}

type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// DialDeepgram returns a Dialer for Deepgram live transcription.
func DialDeepgram(cfg DeepgramConfig) Dialer {
	if cfg.URL == "" {
		cfg.URL = deepgramURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = CloudSampleRate
	}

	return func(ctx context.Context) (Transport, error) {
		if cfg.APIKey == "" {
			return nil, errs.Errorf(errs.EngineUnavailable, "deepgram", "DEEPGRAM_API_KEY is not set")
		}

		q := url.Values{}
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
		q.Set("channels", "1")
		q.Set("interim_results", "true")
		q.Set("punctuate", "true")
		if cfg.Model != "" {
			q.Set("model", cfg.Model)
		}

		header := http.Header{}
		header.Set("Authorization", "Token "+cfg.APIKey)

		return dialWebsocket(ctx, cfg.URL+"?"+q.Encode(), header, wsProtocol{
			name:      "deepgram",
			decode:    decodeDeepgram,
			force:     []byte(`{"type":"Finalize"}`),
			terminate: []byte(`{"type":"CloseStream"}`),
		})
	}
}

func decodeDeepgram(data []byte) (Message, bool, error) {
	var m deepgramMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false, errs.E(errs.Protocol, "deepgram decode", err)
	}
	if m.Type != "Results" || len(m.Channel.Alternatives) == 0 {
		return Message{}, false, nil
	}

	text := m.Channel.Alternatives[0].Transcript
	if text == "" {
		return Message{}, false, nil
	}
	return Message{Text: text, Final: m.IsFinal}, true, nil
}
