package core

// Build Event Loop (C6) — per-(package_type, package_specific_id) build
// orchestration: launch, poll, cleanup, produce-on-success (spec.md §4.4).
// The external build pipeline and mapping-service collaborators are plain
// net/http, grounded on the teacher's core/storage.go IPFS-gateway client
// (&http.Client{Timeout:...}, http.NewRequestWithContext,
// json.NewDecoder(...).Decode) — the teacher itself uses stdlib net/http
// for an HTTP collaborator, so that is the grounded choice here too.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BuildStatus is the terminal/non-terminal state of a build.
type BuildStatus uint8

const (
	BuildRunning BuildStatus = iota + 1
	BuildSuccess
	BuildFailed
)

// BuildArtifact is one artifact produced by a successful build: a temporary
// on-disk location and the hash the pipeline claims it has.
type BuildArtifact struct {
	TempLocation string `json:"temp_location"`
	ExpectedHash string `json:"expected_hash"`
}

// BuildResult is the payload of a BuildSucceeded event.
type BuildResult struct {
	PackageType       string          `json:"package_type"`
	PackageSpecificID string          `json:"package_specific_id"`
	Artifacts         []BuildArtifact `json:"artifacts"`
}

// BuildRecord is the bookkeeping entry for one in-flight or recently
// finished build (spec.md §3).
type BuildRecord struct {
	BuildID           string
	PackageType       string
	PackageSpecificID string
	Status            BuildStatus
	Result            *BuildResult
	FailureReason     string
}

// BuildSucceededEvent, BuildFailedEvent and BuildCleanupEvent are the three
// message kinds flowing through the loop's single-producer/single-consumer
// channel (spec.md §4.4).
type BuildSucceededEvent struct {
	BuildID string
	Result  BuildResult
}

type BuildFailedEvent struct {
	BuildID string
	Err     error
}

type BuildCleanupEvent struct {
	BuildID string
}

type buildEvent struct {
	succeeded *BuildSucceededEvent
	failed    *BuildFailedEvent
	cleanup   *BuildCleanupEvent
}

// pipelineRequest/pipelineStatus mirror the build pipeline HTTP collaborator
// (spec.md §6): PUT /build, then GET /build/<id>.
type pipelineRequest struct {
	PackageType       string `json:"package_type"`
	PackageSpecificID string `json:"package_specific_id"`
	SourceRepository  string `json:"source_repository,omitempty"`
	BuildSpecURL      string `json:"build_spec_url,omitempty"`
}

type pipelineStatus struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Artifacts []BuildArtifact `json:"artifacts,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// MappingClient translates a package-specific id into a source repository
// and build spec URL, per spec.md §6's mapping-service collaborator.
type MappingClient struct {
	Endpoint string
	HTTP     *http.Client
}

func (m *MappingClient) lookup(ctx context.Context, packageSpecificID string) (sourceRepo, buildSpecURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.Endpoint+"/"+packageSpecificID, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := m.HTTP.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: mapping service: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	var out struct {
		SourceRepository string `json:"source_repository"`
		BuildSpecURL     string `json:"build_spec_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("mapping service: decode response: %w", err)
	}
	return out.SourceRepository, out.BuildSpecURL, nil
}

// BuildLoop drives the C6 state machine. At most one active build exists
// per (package_type, package_specific_id); a second request for the same
// id attaches to the existing build id instead of launching a new one.
type BuildLoop struct {
	mu     sync.Mutex
	active map[packageKey]*BuildRecord

	pipelineEndpoint string
	mapping          *MappingClient
	httpClient       *http.Client
	pollInterval     time.Duration

	events chan buildEvent
	logger *logrus.Logger

	onSuccess func(BuildSucceededEvent)
}

// NewBuildLoop constructs a build loop talking to the given pipeline and
// mapping-service endpoints.
func NewBuildLoop(pipelineEndpoint, mappingEndpoint string, pollInterval time.Duration, lg *logrus.Logger) *BuildLoop {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &BuildLoop{
		active:           make(map[packageKey]*BuildRecord),
		pipelineEndpoint: pipelineEndpoint,
		mapping:          &MappingClient{Endpoint: mappingEndpoint, HTTP: httpClient},
		httpClient:       httpClient,
		pollInterval:     pollInterval,
		events:           make(chan buildEvent, 64),
		logger:           lg,
	}
}

// OnSuccess registers the callback invoked synchronously, from the Run
// goroutine, when a build succeeds — wired to the authority-side build
// path (artifact_service.go) that verifies hashes and submits the
// transparency-log entry (spec.md §4.7).
func (bl *BuildLoop) OnSuccess(fn func(BuildSucceededEvent)) {
	bl.onSuccess = fn
}

// StartBuild launches a build for (packageType, packageSpecificID), or
// returns the build id of an already-running build for the same identifier.
func (bl *BuildLoop) StartBuild(ctx context.Context, packageType, packageSpecificID string) (buildID string, attached bool, err error) {
	key := packageKey{PackageType: packageType, PackageSpecificID: packageSpecificID}

	bl.mu.Lock()
	if rec, ok := bl.active[key]; ok && rec.Status == BuildRunning {
		id := rec.BuildID
		bl.mu.Unlock()
		return id, true, nil
	}
	bl.mu.Unlock()

	sourceRepo, buildSpecURL, mapErr := bl.mapping.lookup(ctx, packageSpecificID)
	if mapErr != nil {
		bl.logger.Warnf("build loop: mapping lookup for %s failed: %v", packageSpecificID, mapErr)
	}

	reqBody, err := json.Marshal(pipelineRequest{
		PackageType:       packageType,
		PackageSpecificID: packageSpecificID,
		SourceRepository:  sourceRepo,
		BuildSpecURL:      buildSpecURL,
	})
	if err != nil {
		return "", false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, bl.pipelineEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := bl.httpClient.Do(httpReq)
	if err != nil {
		return "", false, fmt.Errorf("%w: build pipeline: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	var created pipelineStatus
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", false, fmt.Errorf("build pipeline: decode response: %w", err)
	}

	rec := &BuildRecord{
		BuildID:           created.ID,
		PackageType:       packageType,
		PackageSpecificID: packageSpecificID,
		Status:            BuildRunning,
	}
	bl.mu.Lock()
	bl.active[key] = rec
	bl.mu.Unlock()

	go bl.poll(ctx, key, rec)

	return rec.BuildID, false, nil
}

// poll backs off geometrically while the pipeline reports "running", then
// emits the terminal event onto the loop's channel.
func (bl *BuildLoop) poll(ctx context.Context, key packageKey, rec *BuildRecord) {
	backoff := bl.pollInterval
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		status, err := bl.fetchStatus(ctx, rec.BuildID)
		if err != nil {
			bl.logger.Warnf("build loop: poll %s: %v", rec.BuildID, err)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		switch status.Status {
		case "running":
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		case "success":
			result := BuildResult{
				PackageType:       rec.PackageType,
				PackageSpecificID: rec.PackageSpecificID,
				Artifacts:         status.Artifacts,
			}
			bl.events <- buildEvent{succeeded: &BuildSucceededEvent{BuildID: rec.BuildID, Result: result}}
		default:
			bl.events <- buildEvent{failed: &BuildFailedEvent{BuildID: rec.BuildID, Err: &BuildFailure{Reason: status.Reason}}}
		}
		return
	}
}

func (bl *BuildLoop) fetchStatus(ctx context.Context, buildID string) (*pipelineStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bl.pipelineEndpoint+"/"+buildID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := bl.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	var status pipelineStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Run is the single consumer of bl.events, dispatching each terminal event
// to onSuccess (if registered) and then always cleaning up bookkeeping and
// temp files, matching the diagram's "both then: BuildCleanup".
func (bl *BuildLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-bl.events:
			switch {
			case ev.succeeded != nil:
				if bl.onSuccess != nil {
					bl.onSuccess(*ev.succeeded)
				}
				bl.cleanup(ev.succeeded.BuildID, ev.succeeded.Result.Artifacts)
			case ev.failed != nil:
				bl.logger.Warnf("build loop: build %s failed: %v", ev.failed.BuildID, ev.failed.Err)
				bl.cleanup(ev.failed.BuildID, nil)
			case ev.cleanup != nil:
				bl.cleanup(ev.cleanup.BuildID, nil)
			}
		}
	}
}

func (bl *BuildLoop) cleanup(buildID string, artifacts []BuildArtifact) {
	for _, a := range artifacts {
		if a.TempLocation != "" {
			os.Remove(a.TempLocation)
		}
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()
	for key, rec := range bl.active {
		if rec.BuildID == buildID {
			delete(bl.active, key)
			return
		}
	}
}
