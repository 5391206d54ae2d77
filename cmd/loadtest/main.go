// Command loadtest joins rooms concurrently, speaks synthetic audio into each
// and reports per-stage latency percentiles from the agent's metrics events.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sampleRate = 16000
	frameBytes = 640 // 20ms of 16-bit mono at 16kHz
)

func main() {
	agent := flag.String("agent", "http://localhost:8000", "agent base URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent participants")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	speech := flag.Duration("speech", 2*time.Second, "length of each synthetic utterance")
	flag.Parse()

	fmt.Printf("Load test: %d concurrent sessions for %s against %s\n\n", *concurrency, *duration, *agent)

	var mu sync.Mutex
	var results []turnResult
	var wg sync.WaitGroup
	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				r := runSession(*agent, *speech)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type turnResult struct {
	success bool
	sttMs   float64
	llmMs   float64
	ttsMs   float64
	totalMs float64
	err     string
}

type event struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	STTMs   float64 `json:"stt_ms"`
	LLMMs   float64 `json:"llm_ms"`
	TTSMs   float64 `json:"tts_ms"`
	TotalMs float64 `json:"total_ms"`
}

func fetchToken(agent, roomName, identity string) (string, error) {
	q := url.Values{"roomName": {roomName}, "participantName": {identity}}
	resp, err := http.Get(agent + "/api/token?" + q.Encode())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
	}
	return body.Token, nil
}

func runSession(agent string, speech time.Duration) turnResult {
	id := uuid.NewString()
	tok, err := fetchToken(agent, "loadtest-"+id[:8], "caller-"+id[:8])
	if err != nil {
		return turnResult{err: fmt.Sprintf("token: %v", err)}
	}

	wsURL := "ws" + strings.TrimPrefix(agent, "http") + "/ws/room?token=" + url.QueryEscape(tok)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return turnResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	if err = conn.WriteJSON(map[string]any{"codec": "pcm", "sample_rate": sampleRate}); err != nil {
		return turnResult{err: fmt.Sprintf("join: %v", err)}
	}

	audio := append(syntheticSpeech(speech), make([]byte, 2*sampleRate*3/2)...) // 1.5s trailing silence
	for i := 0; i < len(audio); i += frameBytes {
		end := min(i+frameBytes, len(audio))
		if err = conn.WriteMessage(websocket.BinaryMessage, audio[i:end]); err != nil {
			return turnResult{err: fmt.Sprintf("send audio: %v", err)}
		}
		time.Sleep(20 * time.Millisecond)
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer conn.WriteJSON(map[string]string{"type": "leave"})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return turnResult{err: fmt.Sprintf("read: %v", err)}
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var ev event
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		switch ev.Type {
		case "error":
			return turnResult{err: "agent: " + ev.Text}
		case "metrics":
			return turnResult{success: true, sttMs: ev.STTMs, llmMs: ev.LLMMs, ttsMs: ev.TTSMs, totalMs: ev.TotalMs}
		}
	}
}

// syntheticSpeech is a 440Hz tone with some noise, loud enough to trigger VAD.
func syntheticSpeech(dur time.Duration) []byte {
	n := int(dur.Seconds() * sampleRate)
	buf := make([]byte, n*2)
	for i := range n {
		t := float64(i) / sampleRate
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(sample*math.MaxInt16)))
	}
	return buf
}

func printSummary(results []turnResult) {
	var failed int
	var sttAll, llmAll, ttsAll, e2eAll []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		sttAll = append(sttAll, r.sttMs)
		llmAll = append(llmAll, r.llmMs)
		ttsAll = append(ttsAll, r.ttsMs)
		e2eAll = append(e2eAll, r.totalMs)
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Sessions completed: %d\n", len(sttAll))
	fmt.Printf("Sessions failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Fprintf(os.Stderr, "  %4d  %s\n", n, msg)
	}

	if len(sttAll) == 0 {
		fmt.Println("No successful sessions to report metrics")
		return
	}

	fmt.Printf("\n%-6s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	for _, row := range []struct {
		name string
		data []float64
	}{{"STT", sttAll}, {"LLM", llmAll}, {"TTS", ttsAll}, {"E2E", e2eAll}} {
		fmt.Printf("%-6s %6.0fms %6.0fms %6.0fms\n", row.name, percentile(row.data, 50), percentile(row.data, 95), percentile(row.data, 99))
	}
}

func percentile(data []float64, pct float64) float64 {
	slices.Sort(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	return data[max(0, min(idx, len(data)-1))]
}
