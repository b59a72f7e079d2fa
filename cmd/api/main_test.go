package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpenAI answers each stage by the model name configured for it.
func fakeOpenAI(t *testing.T) *httptest.Server {
	replies := map[string]string{
		"extract":  `{"relationships":[{"source":"Browser","target":"API","direction":"->","description":"HTTPS"}],"context":"web shop"}`,
		"threat":   `{"threats":[{"category":"Spoofing","name":"Session hijack","impacts":"account takeover","threat":"stolen cookie"}]}`,
		"mitigate": `{"content":"Use HttpOnly, Secure cookies.","sources":["https://owasp.org/session"]}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reply, ok := replies[req.Model]
		require.True(t, ok, req.Model)
		msg, _ := json.Marshal(map[string]string{"role": "assistant", "content": reply})
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","model":%q,"choices":[{"index":0,"finish_reason":"stop","message":%s}]}`, req.Model, msg)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, baseURL, driver string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
openai:
  api_key: sk-test
  base_url: %s
  extraction_model: extract
  threat_model: threat
  mitigation_model: mitigate
scraper:
  enabled: false
storage:
  driver: %s
  sqlite_path: %s
logging:
  level: none
`, baseURL, driver, filepath.Join(dir, "reports.db"))), 0o600))
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAnalyzeStreamsJSONLines(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("OPENAI_API_KEY", "")
	cfg := writeConfig(t, dir, fakeOpenAI(t).URL+"/v1", "sqlite")

	out, err := runCLI(t, "A browser talks to an API over HTTPS.", "analyze", "--config", cfg)
	require.NoError(t, err)

	var types []string
	for _, chunk := range strings.Split(strings.TrimSpace(out), "\n\n") {
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &ev), chunk)
		if ev.Type != "status" && ev.Type != "debug" {
			types = append(types, ev.Type)
		}
	}
	assert.Equal(t, []string{
		"relationships",
		"analyzing_relationship",
		"threat_identified",
		"mitigation_started",
		"mitigation_complete",
		"process_complete",
	}, types)
	assert.Contains(t, out, "Use HttpOnly, Secure cookies.")
	assert.FileExists(t, filepath.Join(dir, "reports.db"))
}

func TestAnalyzeDataStreamFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("OPENAI_API_KEY", "")
	cfg := writeConfig(t, dir, fakeOpenAI(t).URL+"/v1", "none")
	input := filepath.Join(dir, "system.txt")
	require.NoError(t, os.WriteFile(input, []byte("Browser -> API"), 0o600))

	out, err := runCLI(t, "", "analyze", "--config", cfg, "-p", "data", input)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], `e:{"finishReason":"stop"`))
}

func TestAnalyzeRejectsEmptyInput(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg := writeConfig(t, dir, "http://127.0.0.1:1/v1", "none")

	_, err := runCLI(t, "   ", "analyze", "--config", cfg)
	assert.ErrorContains(t, err, "user_input")
}
