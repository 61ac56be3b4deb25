package workload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type memoryLogs struct{ store *MemoryStore }

func (m memoryLogs) Logs(ctx context.Context, id string, limit int) ([]LogEntry, error) {
	entries := m.store.Logs(id)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func TestCreateValidatesInput(t *testing.T) {
	e := NewEngine(NewMemoryStore(), newStubExecutor(), Config{})
	ctx := context.Background()
	if _, err := e.Create(ctx, Spec{VideoIDs: []string{" ", ""}}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty videos, got %v", err)
	}
	wl, err := e.Create(ctx, Spec{Name: " night ", VideoIDs: []string{"a", " b "}, TargetWorkstations: []string{"WS02", ""}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if wl.ID == "" || wl.Name != "night" || wl.Status != StatusPending ||
		strings.Join(wl.VideoIDs, ",") != "a,b" || len(wl.TargetWorkstations) != 1 {
		t.Fatalf("unexpected workload: %+v", wl)
	}
	if err := e.AddVideo(ctx, Video{ID: "a", URL: "not a url"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for relative url, got %v", err)
	}
}

func TestHTTPLifecycle(t *testing.T) {
	store := NewMemoryStore()
	exec := newStubExecutor()
	e := NewEngine(store, exec, Config{CycleInterval: time.Millisecond})
	srv := httptest.NewServer(NewHandler(e, memoryLogs{store}))
	defer srv.Close()

	for _, id := range []string{"v1", "v2"} {
		if code := doJSON(t, http.MethodPost, srv.URL+"/videos", `{"id":"`+id+`","url":"https://youtu.be/`+id+`"}`, nil); code != http.StatusCreated {
			t.Fatalf("add video returned %d", code)
		}
	}
	var created Workload
	code := doJSON(t, http.MethodPost, srv.URL+"/workloads",
		`{"name":"noon","video_ids":["v1","v2"],"options":{"watch_min_sec":1,"watch_max_sec":2,"like_probability":0}}`, &created)
	if code != http.StatusCreated || created.ID == "" {
		t.Fatalf("create returned %d %+v", code, created)
	}
	if created.Options.LikeProbability >= 0 || created.Options.WatchMax != 2*time.Second {
		t.Fatalf("options not mapped: %+v", created.Options)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/workloads/"+created.ID+"/start", "", nil); code != http.StatusAccepted {
		t.Fatalf("start returned %d", code)
	}
	e.Wait(created.ID)

	var final Workload
	if code := doJSON(t, http.MethodGet, srv.URL+"/workloads/"+created.ID, "", &final); code != http.StatusOK {
		t.Fatalf("status returned %d", code)
	}
	if final.Status != StatusCompleted || final.CompletedVideos != 2 {
		t.Fatalf("unexpected final workload: %+v", final)
	}
	var logs []LogEntry
	doJSON(t, http.MethodGet, srv.URL+"/workloads/"+created.ID+"/logs?limit=1", "", &logs)
	if len(logs) != 1 || logs[0].Event != "completed" {
		t.Fatalf("unexpected logs: %+v", logs)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/workloads/"+created.ID+"/start", "", nil); code != http.StatusConflict {
		t.Fatalf("restarting a completed workload should conflict, got %d", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/workloads/"+created.ID+"/pause", "", nil); code != http.StatusConflict {
		t.Fatalf("pausing a completed workload should conflict, got %d", code)
	}
}

func TestHTTPErrors(t *testing.T) {
	e := NewEngine(NewMemoryStore(), newStubExecutor(), Config{})
	srv := httptest.NewServer(NewHandler(e, nil))
	defer srv.Close()

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/workloads/ghost", "", http.StatusNotFound},
		{http.MethodPost, "/workloads/ghost/start", "", http.StatusNotFound},
		{http.MethodPost, "/workloads/ghost/explode", "", http.StatusNotFound},
		{http.MethodPost, "/workloads", `{"video_ids":[]}`, http.StatusBadRequest},
		{http.MethodPost, "/workloads", `{"videos":["a"]}`, http.StatusBadRequest},
		{http.MethodPost, "/videos", `{"id":"x","url":""}`, http.StatusBadRequest},
	}
	for _, c := range cases {
		if got := doJSON(t, c.method, srv.URL+c.path, c.body, nil); got != c.want {
			t.Fatalf("%s %s: expected %d, got %d", c.method, c.path, c.want, got)
		}
	}
	var logs []LogEntry
	if code := doJSON(t, http.MethodGet, srv.URL+"/workloads/any/logs", "", &logs); code != http.StatusOK || len(logs) != 0 {
		t.Fatalf("nil log reader should return an empty list: %d %v", code, logs)
	}
}
