package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/petems/listen/internal/errs"
)

const assemblyAIURL = "wss://streaming.assemblyai.com/v3/ws"

type AssemblyAIConfig struct {
	APIKey     string
	URL        string
	SampleRate int
}

type assemblyAIMessage struct {
	Type            string `json:"type"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Error           string `json:"error"`
}

// DialAssemblyAI returns a Dialer for the AssemblyAI universal streaming API.
func DialAssemblyAI(cfg AssemblyAIConfig) Dialer {
	if cfg.URL == "" {
		cfg.URL = assemblyAIURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = CloudSampleRate
	}

	return func(ctx context.Context) (Transport, error) {
		if cfg.APIKey == "" {
			return nil, errs.Errorf(errs.EngineUnavailable, "assemblyai", "ASSEMBLYAI_API_KEY is not set")
		}

		q := url.Values{}
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
		q.Set("encoding", "pcm_s16le")
		q.Set("format_turns", "true")

		header := http.Header{}
		header.Set("Authorization", cfg.APIKey)

		return dialWebsocket(ctx, cfg.URL+"?"+q.Encode(), header, wsProtocol{
			name:      "assemblyai",
			decode:    decodeAssemblyAI,
			force:     []byte(`{"type":"ForceEndpoint"}`),
			terminate: []byte(`{"type":"Terminate"}`),
		})
	}
}

// decodeAssemblyAI maps Turn messages to transcript updates. With formatted
// turns the server sends an unformatted end-of-turn first and the formatted
// one after; only the latter is final.
func decodeAssemblyAI(data []byte) (Message, bool, error) {
	var m assemblyAIMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false, errs.E(errs.Protocol, "assemblyai decode", err)
	}

	if m.Error != "" {
		return Message{}, false, errs.E(errs.Transport, "assemblyai", fmt.Errorf("%s", m.Error))
	}

	switch m.Type {
	case "Turn":
		if m.Transcript == "" {
			return Message{}, false, nil
		}
		return Message{Text: m.Transcript, Final: m.EndOfTurn && m.TurnIsFormatted}, true, nil
	default:
		// Begin, Termination
		return Message{}, false, nil
	}
}
