package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), ".viagen", "chat-log.jsonl"))
}

func TestReadAll_MissingFile(t *testing.T) {
	t.Parallel()
	entries, err := newTestStore(t).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ReadAll() = %v, want empty", entries)
	}
}

func TestAppendReadAll_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	in := []Entry{
		{Role: RoleUser, Type: TypeMessage, Text: "hello"},
		{Role: RoleAssistant, Type: TypeText, Text: "hi there"},
		{Role: RoleAssistant, Type: TypeToolUse, Name: "Edit", Input: json.RawMessage(`{"file":"a.ts"}`)},
		{Role: RoleAssistant, Type: TypeResult, Text: "done"},
	}
	for _, e := range in {
		if err := s.Append(e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("ReadAll() returned %d entries, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i].Role != in[i].Role || got[i].Type != in[i].Type || got[i].Text != in[i].Text || got[i].Name != in[i].Name {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], in[i])
		}
		if string(got[i].Input) != string(in[i].Input) {
			t.Errorf("entry %d input = %s, want %s", i, got[i].Input, in[i].Input)
		}
		if got[i].Timestamp == 0 {
			t.Errorf("entry %d has no timestamp", i)
		}
		if i > 0 && got[i].Timestamp < got[i-1].Timestamp {
			t.Errorf("timestamps decrease at %d: %d < %d", i, got[i].Timestamp, got[i-1].Timestamp)
		}
	}
}

func TestAppend_ClockStepBackStaysMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	times := []int64{5000, 3000, 7000}
	i := 0
	s.now = func() time.Time {
		ts := times[i]
		i++
		return time.UnixMilli(ts)
	}

	for range times {
		if err := s.Append(Entry{Role: RoleUser, Type: TypeMessage, Text: "x"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	got, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	want := []int64{5000, 5000, 7000}
	for i := range want {
		if got[i].Timestamp != want[i] {
			t.Errorf("timestamp %d = %d, want %d", i, got[i].Timestamp, want[i])
		}
	}
}

func TestAppend_SeedsFromExistingFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), []byte(`{"role":"user","type":"message","text":"old","timestamp":9000}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.UnixMilli(1000) }

	if err := s.Append(Entry{Role: RoleUser, Type: TypeMessage, Text: "new"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, _ := s.ReadAll()
	if got[1].Timestamp != 9000 {
		t.Errorf("timestamp = %d, want clamped to 9000", got[1].Timestamp)
	}
}

func TestReadAll_SkipsMalformedLines(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	content := `{"role":"user","type":"message","text":"a","timestamp":1}
{"role":"assistant","type":"text","te
not json at all

{"role":"assistant","type":"text","text":"b","timestamp":2}`
	if err := os.WriteFile(s.Path(), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("ReadAll() = %+v, want entries a and b", got)
	}
}

func TestReadSince(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	stamps := []int64{100, 200, 200, 300}
	i := 0
	s.now = func() time.Time {
		ts := stamps[i]
		i++
		return time.UnixMilli(ts)
	}
	for _, text := range []string{"a", "b", "c", "d"} {
		if err := s.Append(Entry{Role: RoleUser, Type: TypeMessage, Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		since int64
		want  string
	}{
		{since: 0, want: "abcd"},
		{since: 100, want: "bcd"},
		{since: 200, want: "d"},
		{since: 300, want: ""},
	}
	for _, tt := range tests {
		got, err := s.ReadSince(tt.since)
		if err != nil {
			t.Fatalf("ReadSince(%d) error = %v", tt.since, err)
		}
		var texts string
		for _, e := range got {
			texts += e.Text
		}
		if texts != tt.want {
			t.Errorf("ReadSince(%d) = %q, want %q", tt.since, texts, tt.want)
		}
	}
}

func TestAppend_Concurrent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Append(Entry{Role: RoleAssistant, Type: TypeText, Text: "chunk"}); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 20 {
		t.Fatalf("ReadAll() returned %d entries, want 20", len(got))
	}
}
