package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const maxLogLines = 10000

// LogContentResponse represents log content
type LogContentResponse struct {
	Lines  []string `json:"lines"`
	Total  int      `json:"total"`
	Status string   `json:"status"`
}

// LogHandlers serves the tail of the JSON log file
type LogHandlers struct {
	path string
	log  zerolog.Logger
}

// NewLogHandlers creates log handlers reading path
func NewLogHandlers(path string, log zerolog.Logger) *LogHandlers {
	return &LogHandlers{
		path: path,
		log:  log.With().Str("component", "log_handlers").Logger(),
	}
}

// HandleGetLogs returns the last ?lines= entries (default 100), optionally
// filtered by ?level= and ?search=.
func (h *LogHandlers) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			lines = min(parsed, maxLogLines)
		}
	}
	level := strings.ToLower(r.URL.Query().Get("level"))
	search := r.URL.Query().Get("search")

	resp := LogContentResponse{Lines: []string{}, Status: "ok"}
	if h.path == "" {
		resp.Status = "disabled"
		writeLogs(w, resp)
		return
	}

	tail, err := h.tail(lines, level, search)
	if errors.Is(err, os.ErrNotExist) {
		resp.Status = "empty"
		writeLogs(w, resp)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read log file")
		http.Error(w, "failed to read logs", http.StatusInternalServerError)
		return
	}

	resp.Lines = tail
	resp.Total = len(tail)
	writeLogs(w, resp)
}

// tail keeps the last n matching lines in a ring.
func (h *LogHandlers) tail(n int, level, search string) ([]string, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !matches(line, level, search) {
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, line)
	}
	return ring, scanner.Err()
}

func matches(line, level, search string) bool {
	if search != "" && !strings.Contains(line, search) {
		return false
	}
	if level == "" {
		return true
	}
	var entry struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return false
	}
	return entry.Level == level
}

func writeLogs(w http.ResponseWriter, resp LogContentResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
