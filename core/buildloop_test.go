package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	return lg
}

// fakePipeline serves PUT /build -> {id}, then GET /build/<id> ->
// "running" once and "success" (or "failed") thereafter.
func newFakePipeline(t *testing.T, terminal pipelineStatus) (*httptest.Server, *int32) {
	t.Helper()
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/build/build-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) == 1 {
			json.NewEncoder(w).Encode(pipelineStatus{ID: "build-1", Status: "running"})
			return
		}
		json.NewEncoder(w).Encode(terminal)
	})
	mux.HandleFunc("/build", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pipelineStatus{ID: "build-1", Status: "running"})
	})
	srv := httptest.NewServer(mux)
	return srv, &polls
}

func newFakeMapping(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(struct {
			SourceRepository string `json:"source_repository"`
			BuildSpecURL     string `json:"build_spec_url"`
		}{SourceRepository: "https://example.invalid/repo.git", BuildSpecURL: "https://example.invalid/build.yaml"})
	}))
}

func TestStartBuildAttachesToExistingRunningBuild(t *testing.T) {
	pipeline, _ := newFakePipeline(t, pipelineStatus{ID: "build-1", Status: "success"})
	defer pipeline.Close()
	mapping := newFakeMapping(t)
	defer mapping.Close()

	bl := NewBuildLoop(pipeline.URL+"/build", mapping.URL, 50*time.Millisecond, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id1, attached1, err := bl.StartBuild(ctx, "docker", "library/alpine:3.19")
	if err != nil {
		t.Fatalf("start build: %v", err)
	}
	if attached1 {
		t.Fatal("first call must not attach to an existing build")
	}

	id2, attached2, err := bl.StartBuild(ctx, "docker", "library/alpine:3.19")
	if err != nil {
		t.Fatalf("start build (second): %v", err)
	}
	if !attached2 {
		t.Fatal("second call for the same package must attach to the in-flight build")
	}
	if id1 != id2 {
		t.Fatalf("attached call returned a different build id: %s vs %s", id1, id2)
	}
}

func TestPollEmitsSucceededEventAfterRunningThenSuccess(t *testing.T) {
	terminal := pipelineStatus{
		ID:        "build-1",
		Status:    "success",
		Artifacts: []BuildArtifact{{TempLocation: "/tmp/does-not-matter", ExpectedHash: "SHA256:aabbcc"}},
	}
	pipeline, polls := newFakePipeline(t, terminal)
	defer pipeline.Close()
	mapping := newFakeMapping(t)
	defer mapping.Close()

	bl := NewBuildLoop(pipeline.URL+"/build", mapping.URL, 20*time.Millisecond, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got *BuildSucceededEvent
	done := make(chan struct{})
	bl.OnSuccess(func(ev BuildSucceededEvent) {
		got = &ev
		close(done)
	})

	go bl.Run(ctx)

	if _, _, err := bl.StartBuild(ctx, "maven", "com.example:lib:1.0"); err != nil {
		t.Fatalf("start build: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for build-succeeded event")
	}

	if got == nil || got.BuildID != "build-1" {
		t.Fatalf("expected succeeded event for build-1, got %+v", got)
	}
	if len(got.Result.Artifacts) != 1 || got.Result.Artifacts[0].ExpectedHash != "SHA256:aabbcc" {
		t.Fatalf("unexpected artifacts in succeeded event: %+v", got.Result.Artifacts)
	}
	if got := atomic.LoadInt32(polls); got < 2 {
		t.Fatalf("expected at least 2 polls (running, then success), got %d", got)
	}

	bl.mu.Lock()
	_, stillActive := bl.active[packageKey{PackageType: "maven", PackageSpecificID: "com.example:lib:1.0"}]
	bl.mu.Unlock()
	if stillActive {
		t.Fatal("expected build bookkeeping to be cleaned up after success")
	}
}

func TestPollEmitsFailedEventOnNonSuccessTerminalStatus(t *testing.T) {
	terminal := pipelineStatus{ID: "build-1", Status: "failed", Reason: "compile error"}
	pipeline, _ := newFakePipeline(t, terminal)
	defer pipeline.Close()
	mapping := newFakeMapping(t)
	defer mapping.Close()

	bl := NewBuildLoop(pipeline.URL+"/build", mapping.URL, 20*time.Millisecond, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	successCalled := false
	bl.OnSuccess(func(ev BuildSucceededEvent) { successCalled = true })

	go bl.Run(ctx)

	if _, _, err := bl.StartBuild(ctx, "docker", "library/busybox:1"); err != nil {
		t.Fatalf("start build: %v", err)
	}

	// Give the poller and consumer time to observe the failed terminal state.
	deadline := time.After(5 * time.Second)
	for {
		bl.mu.Lock()
		_, active := bl.active[packageKey{PackageType: "docker", PackageSpecificID: "library/busybox:1"}]
		bl.mu.Unlock()
		if !active {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for failed build to be cleaned up")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if successCalled {
		t.Fatal("onSuccess must not be invoked for a failed build")
	}
}

func TestMappingClientLookupParsesResponse(t *testing.T) {
	mapping := newFakeMapping(t)
	defer mapping.Close()

	mc := &MappingClient{Endpoint: mapping.URL, HTTP: http.DefaultClient}
	repo, specURL, err := mc.lookup(context.Background(), "com.example:lib:1.0")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !strings.Contains(repo, "example.invalid") || !strings.Contains(specURL, "build.yaml") {
		t.Fatalf("unexpected mapping response: repo=%q specURL=%q", repo, specURL)
	}
}
