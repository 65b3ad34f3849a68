package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kiesman99/deepzoom/internal/job"
	"github.com/kiesman99/deepzoom/internal/tiler"
	"github.com/kiesman99/deepzoom/pkg/tile"
)

const viewerOrigin = "https://viewer.example.com"

// Test server setup
func setupTestServer(t *testing.T) (*httptest.Server, Options) {
	t.Helper()
	opts := Options{
		SourceRoot:  t.TempDir(),
		OutputRoot:  t.TempDir(),
		CORSOrigins: []string{viewerOrigin},
	}
	return newTestServer(t, opts), opts
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tl, err := tiler.New(tiler.Config{TileSize: 64, Format: tile.FormatPNG, Logger: log})
	if err != nil {
		t.Fatalf("Failed to create tiler: %v", err)
	}
	t.Cleanup(func() { tl.Close(time.Second) })

	apiServer := NewServer("2.0.0-test", tl, job.NewRunner(tl, "deepzoom-test", log), opts, log)
	server := httptest.NewServer(apiServer.Routes(30 * time.Second))
	t.Cleanup(server.Close)
	return server
}

// writeSource writes a blank png into root and returns its name relative
// to root.
func writeSource(t *testing.T, root string, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("Failed to encode source: %v", err)
	}
	name := fmt.Sprintf("source-%dx%d.png", w, h)
	if err := os.WriteFile(filepath.Join(root, name), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	return name
}

func postTile(t *testing.T, server *httptest.Server, body io.Reader) *http.Response {
	t.Helper()
	resp, err := http.Post(server.URL+"/api/v1/tile", "application/json", body)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	return bytes.NewReader(data)
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if healthResp.Status != Healthy {
		t.Errorf("Expected status 'healthy', got %s", healthResp.Status)
	}

	if healthResp.Version == nil || *healthResp.Version != "2.0.0-test" {
		t.Errorf("Expected version '2.0.0-test', got %v", healthResp.Version)
	}

	if healthResp.Uptime == nil || *healthResp.Uptime < 0 {
		t.Errorf("Expected valid uptime, got %v", healthResp.Uptime)
	}

	if time.Since(healthResp.Timestamp) > time.Minute {
		t.Errorf("Timestamp seems too old: %v", healthResp.Timestamp)
	}
}

func TestLegacyHealthRedirect(t *testing.T) {
	server, _ := setupTestServer(t)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMovedPermanently {
		t.Errorf("Expected status 301, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/v1/health" {
		t.Errorf("Expected redirect to /api/v1/health, got %s", loc)
	}
}

func TestPyramidEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/pyramid?width=1000&height=700")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}

	var plan PlanResponse
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(plan.Levels) != 5 {
		t.Fatalf("Expected 5 levels, got %d", len(plan.Levels))
	}
	native := plan.Levels[4]
	if native.Width != 1000 || native.Height != 700 || native.Columns != 16 || native.Rows != 11 {
		t.Errorf("Unexpected native level: %+v", native)
	}
	if plan.Levels[0].Tiles != 1 {
		t.Errorf("Expected a single tile at level 0, got %d", plan.Levels[0].Tiles)
	}
	if plan.TileSize != 64 || plan.Format != "png" {
		t.Errorf("Unexpected tiling parameters: %d %s", plan.TileSize, plan.Format)
	}

	total := 0
	for _, l := range plan.Levels {
		total += l.Tiles
	}
	if plan.TotalTiles != total {
		t.Errorf("Expected total %d, got %d", total, plan.TotalTiles)
	}
}

func TestPyramidEndpoint_ValidationErrors(t *testing.T) {
	server, _ := setupTestServer(t)

	for _, query := range []string{"", "?width=100", "?width=-4&height=10", "?width=abc&height=10", "?width=10&height=0"} {
		t.Run(query, func(t *testing.T) {
			resp, err := http.Get(server.URL + "/api/v1/pyramid" + query)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}

			var errorResp ValidationErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if errorResp.Error != CodeValidationError || len(errorResp.ValidationErrors) != 1 {
				t.Errorf("Unexpected error response: %+v", errorResp)
			}
		})
	}
}

func TestTileEndpoint_Success(t *testing.T) {
	server, opts := setupTestServer(t)

	resp := postTile(t, server, jsonBody(t, TileRequest{
		Source: writeSource(t, opts.SourceRoot, 150, 100),
		Output: "scans/tiles",
	}))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}

	var tileResp TileResponse
	if err := json.NewDecoder(resp.Body).Decode(&tileResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !tileResp.Success {
		t.Error("Expected success")
	}
	if tileResp.ZoomLevels != 3 {
		t.Errorf("Expected 3 zoom levels, got %d", tileResp.ZoomLevels)
	}
	if tileResp.TilesWritten != 9 {
		t.Errorf("Expected 9 tiles, got %d", tileResp.TilesWritten)
	}
	if tileResp.ID == "" {
		t.Error("Expected a job id")
	}

	requestID := resp.Header.Get("X-Request-ID")
	if requestID == "" || requestID != tileResp.RequestId {
		t.Errorf("Expected X-Request-ID header matching body, got %q and %q", requestID, tileResp.RequestId)
	}

	if _, err := os.Stat(filepath.Join(opts.OutputRoot, "scans", "tiles", "2", "2", "1.png")); err != nil {
		t.Errorf("Expected native corner tile: %v", err)
	}
}

func TestTileEndpoint_PartialRange(t *testing.T) {
	server, opts := setupTestServer(t)
	level := 1

	resp := postTile(t, server, jsonBody(t, TileRequest{
		Source:   writeSource(t, opts.SourceRoot, 150, 100),
		Output:   "mem://",
		MinLevel: &level,
		MaxLevel: &level,
	}))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}

	var tileResp TileResponse
	if err := json.NewDecoder(resp.Body).Decode(&tileResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if tileResp.ZoomLevels != 3 || tileResp.TilesWritten != 2 {
		t.Errorf("Expected 2 tiles of a 3 level pyramid, got %d of %d", tileResp.TilesWritten, tileResp.ZoomLevels)
	}
}

func TestTileEndpoint_ValidationErrors(t *testing.T) {
	server, _ := setupTestServer(t)
	negative, one, three := -1, 1, 3

	testCases := []struct {
		name           string
		request        interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Invalid JSON",
			request:        `{"invalid": json}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  CodeInvalidJSON,
		},
		{
			name:           "Missing source",
			request:        TileRequest{Output: "mem://"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  CodeValidationError,
		},
		{
			name:           "Standard input source",
			request:        TileRequest{Source: "-", Output: "mem://"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  CodeValidationError,
		},
		{
			name:           "Missing output",
			request:        TileRequest{Source: "scan.png"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  CodeValidationError,
		},
		{
			name:           "Negative min level",
			request:        TileRequest{Source: "scan.png", Output: "mem://", MinLevel: &negative},
			expectedStatus: http.StatusBadRequest,
			expectedError:  CodeValidationError,
		},
		{
			name:           "Inverted level range",
			request:        TileRequest{Source: "scan.png", Output: "mem://", MinLevel: &three, MaxLevel: &one},
			expectedStatus: http.StatusBadRequest,
			expectedError:  CodeValidationError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var body io.Reader
			if str, ok := tc.request.(string); ok {
				body = strings.NewReader(str)
			} else {
				body = jsonBody(t, tc.request)
			}

			resp := postTile(t, server, body)

			if resp.StatusCode != tc.expectedStatus {
				responseBody, _ := io.ReadAll(resp.Body)
				t.Errorf("Expected status %d, got %d. Body: %s", tc.expectedStatus, resp.StatusCode, string(responseBody))
			}

			var errorResp map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}

			if errorCode, ok := errorResp["error"].(string); !ok || errorCode != tc.expectedError {
				t.Errorf("Expected error code %s, got %v", tc.expectedError, errorResp["error"])
			}
		})
	}
}

func TestTileEndpoint_JobErrors(t *testing.T) {
	server, opts := setupTestServer(t)

	if err := os.WriteFile(filepath.Join(opts.SourceRoot, "corrupt.png"), []byte("not an image"), 0o644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}

	testCases := []struct {
		name           string
		request        TileRequest
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Missing source file",
			request:        TileRequest{Source: "missing.png", Output: "mem://"},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedError:  CodeSourceError,
		},
		{
			name:           "Unsupported destination",
			request:        TileRequest{Source: writeSource(t, opts.SourceRoot, 10, 10), Output: "ftp://example.com/tiles"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  CodeOutputError,
		},
		{
			name:           "Undecodable source",
			request:        TileRequest{Source: "corrupt.png", Output: "mem://"},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedError:  CodeSourceError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postTile(t, server, jsonBody(t, tc.request))

			if resp.StatusCode != tc.expectedStatus {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("Expected status %d, got %d. Body: %s", tc.expectedStatus, resp.StatusCode, string(body))
			}

			var errorResp JobErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if errorResp.Error != tc.expectedError {
				t.Errorf("Expected error code %s, got %s", tc.expectedError, errorResp.Error)
			}
			if errorResp.RequestId == nil || *errorResp.RequestId == "" {
				t.Error("Expected request id in error response")
			}
		})
	}
}

func preflight(t *testing.T, server *httptest.Server, origin string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/v1/tile", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCORSHeaders(t *testing.T) {
	server, _ := setupTestServer(t)

	resp := preflight(t, server, viewerOrigin)

	if resp.Header.Get("Access-Control-Allow-Origin") != viewerOrigin {
		t.Errorf("Expected Access-Control-Allow-Origin: %s, got %q", viewerOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	}

	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "POST") {
		t.Error("Expected Access-Control-Allow-Methods to include POST")
	}

	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Content-Type") {
		t.Error("Expected Access-Control-Allow-Headers to include Content-Type")
	}

	resp = preflight(t, server, "https://elsewhere.example.com")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no Access-Control-Allow-Origin for an unlisted origin, got %q", got)
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	server := newTestServer(t, Options{})

	resp := preflight(t, server, viewerOrigin)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no Access-Control-Allow-Origin without configured origins, got %q", got)
	}
}

func TestTileEndpoint_PathRestrictions(t *testing.T) {
	server, opts := setupTestServer(t)
	source := writeSource(t, opts.SourceRoot, 10, 10)

	outside := t.TempDir()
	sentinel := filepath.Join(outside, "keep.txt")
	if err := os.WriteFile(sentinel, []byte("keep"), 0o644); err != nil {
		t.Fatalf("Failed to write sentinel: %v", err)
	}
	rootSentinel := filepath.Join(opts.OutputRoot, "keep.txt")
	if err := os.WriteFile(rootSentinel, []byte("keep"), 0o644); err != nil {
		t.Fatalf("Failed to write sentinel: %v", err)
	}

	testCases := []struct {
		name    string
		request TileRequest
		field   string
	}{
		{"Absolute source", TileRequest{Source: filepath.Join(opts.SourceRoot, source), Output: "mem://"}, "source"},
		{"Source escaping root", TileRequest{Source: "../" + source, Output: "mem://"}, "source"},
		{"File URL source", TileRequest{Source: "file://" + sentinel, Output: "mem://"}, "source"},
		{"Absolute output", TileRequest{Source: source, Output: outside, Clean: true}, "output"},
		{"Output escaping root", TileRequest{Source: source, Output: "../" + filepath.Base(outside), Clean: true}, "output"},
		{"Output root itself", TileRequest{Source: source, Output: ".", Clean: true}, "output"},
		{"File URL output", TileRequest{Source: source, Output: "file://" + outside, Clean: true}, "output"},
		{"Badger path outside root", TileRequest{Source: source, Output: "badger://" + outside, Clean: true}, "output"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postTile(t, server, jsonBody(t, tc.request))

			if resp.StatusCode != http.StatusBadRequest {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("Expected status 400, got %d. Body: %s", resp.StatusCode, string(body))
			}

			var errorResp ValidationErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if errorResp.Error != CodeValidationError || len(errorResp.ValidationErrors) != 1 ||
				errorResp.ValidationErrors[0].Field != tc.field {
				t.Errorf("Expected a validation error on %s, got %+v", tc.field, errorResp)
			}
		})
	}

	for _, path := range []string{sentinel, rootSentinel} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected %s to survive rejected requests: %v", path, err)
		}
	}
}

func TestTileEndpoint_LocalPathsDisabled(t *testing.T) {
	server := newTestServer(t, Options{})

	for _, tc := range []struct {
		request TileRequest
		field   string
	}{
		{TileRequest{Source: "scan.png", Output: "mem://"}, "source"},
		{TileRequest{Source: "https://example.com/scan.png", Output: "tiles"}, "output"},
		{TileRequest{Source: "https://example.com/scan.png", Output: "badger://tiles"}, "output"},
	} {
		resp := postTile(t, server, jsonBody(t, tc.request))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400 for %+v, got %d", tc.request, resp.StatusCode)
			continue
		}
		var errorResp ValidationErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
			t.Fatalf("Failed to decode error response: %v", err)
		}
		if len(errorResp.ValidationErrors) != 1 || errorResp.ValidationErrors[0].Field != tc.field {
			t.Errorf("Expected a validation error on %s, got %+v", tc.field, errorResp)
		}
	}
}

func TestTileEndpoint_BadgerOutputInsideRoot(t *testing.T) {
	server, opts := setupTestServer(t)

	resp := postTile(t, server, jsonBody(t, TileRequest{
		Source: writeSource(t, opts.SourceRoot, 150, 100),
		Output: "badger://stores/scan",
		Clean:  true,
	}))
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}
	if _, err := os.Stat(filepath.Join(opts.OutputRoot, "stores", "scan")); err != nil {
		t.Errorf("Expected badger store inside the output root: %v", err)
	}
}
