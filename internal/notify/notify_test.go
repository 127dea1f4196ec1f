package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitMessage("short", 10))

	text := strings.Repeat("line\n", 5) // 25 chars
	chunks := SplitMessage(text, 12)
	assert.Equal(t, text, strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 12)
	}
	assert.Equal(t, "line\nline\n", chunks[0])

	noBreaks := strings.Repeat("я", 25)
	chunks = SplitMessage(noBreaks, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, len([]rune(chunks[0])))
}

func TestTelegram_Send(t *testing.T) {
	var mu sync.Mutex
	var got []sendMessageRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var req sendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", []string{"1", "2"})
	tg.baseURL = srv.URL

	require.NoError(t, tg.Send(context.Background(), "<b>acc</b>\n\nNo actions"))
	require.Len(t, got, 2)
	assert.Equal(t, "HTML", got[0].ParseMode)
	assert.Equal(t, "1", got[0].ChatID)
	assert.Equal(t, "2", got[1].ChatID)
}

func TestTelegram_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", []string{"1"})
	tg.baseURL = srv.URL

	err := tg.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.err
}

func readJournal(t *testing.T, path string) []Entry {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestNotifier_SendsAndJournals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.jsonl")
	sender := &fakeSender{}
	n := New(sender, NewJournal(path), zerolog.Nop())

	n.Send(context.Background(), "first")
	n.Send(context.Background(), "")
	require.NoError(t, n.Close())

	assert.Equal(t, []string{"first"}, sender.sent)
	entries := readJournal(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "first", entries[0].Text)
	assert.True(t, entries[0].Delivered)
}

func TestNotifier_FailureIsNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.jsonl")
	n := New(&fakeSender{err: errors.New("down")}, NewJournal(path), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Send(ctx, "report")
	require.NoError(t, n.Close())

	entries := readJournal(t, path)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Delivered)
}

func TestNotifier_JournalOnly(t *testing.T) {
	n := New(nil, nil, zerolog.Nop())
	n.Send(context.Background(), "nowhere")
	assert.NoError(t, n.Close())
}
