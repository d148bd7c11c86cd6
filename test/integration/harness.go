// Package integration provides integration testing utilities for ABRSim.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/abrsim/internal/server"
	"github.com/gorilla/websocket"
)

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	abrsimCmd  *exec.Cmd
	abrsimPort int
	tempDir    string
	cancel     context.CancelFunc
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:          t,
		httpPort:   findAvailablePort(t),
		abrsimPort: findAvailablePort(t),
	}
}

// StartHTTPServer starts an HTTP server serving a test playlist and
// returns its URL.
func (h *TestHarness) StartHTTPServer(playlistContent string, playlistName string) string {
	h.t.Helper()

	h.httpServer, h.tempDir = serveFile(h.t, h.httpPort, playlistContent, playlistName)
	h.t.Logf("HTTP server started on port %d", h.httpPort)

	return fmt.Sprintf("http://localhost:%d/%s", h.httpPort, playlistName)
}

// StartABRSim starts the abrsim binary with the given extra flags.
func (h *TestHarness) StartABRSim(args ...string) {
	h.t.Helper()

	binaryPath := findABRSimBinary(h.t)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	args = append([]string{"--port", fmt.Sprintf("%d", h.abrsimPort)}, args...)
	h.abrsimCmd = exec.CommandContext(ctx, binaryPath, args...)

	// Capture output for debugging
	h.abrsimCmd.Stdout = os.Stdout
	h.abrsimCmd.Stderr = os.Stderr

	if err := h.abrsimCmd.Start(); err != nil {
		h.t.Fatalf("failed to start abrsim: %v", err)
	}

	waitForServer(h.t, fmt.Sprintf("http://localhost:%d/health", h.abrsimPort), 10*time.Second)
	h.t.Logf("ABRSim started on port %d", h.abrsimPort)
}

// Dial opens a session on the running abrsim.
func (h *TestHarness) Dial(sessionID string) *SessionClient {
	h.t.Helper()
	return dialSession(h.t, h.abrsimPort, sessionID)
}

// FetchHealth fetches the health endpoint and returns the decoded JSON.
func (h *TestHarness) FetchHealth() map[string]any {
	h.t.Helper()

	health, err := fetchHealth(h.abrsimPort)
	if err != nil {
		h.t.Fatalf("failed to fetch health: %v", err)
	}
	return health
}

// FetchMetrics fetches the Prometheus exposition.
func (h *TestHarness) FetchMetrics() string {
	h.t.Helper()

	url := fmt.Sprintf("http://localhost:%d/metrics", h.abrsimPort)
	resp, err := http.Get(url)
	if err != nil {
		h.t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read metrics body: %v", err)
	}

	return string(body)
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.abrsimCmd != nil && h.abrsimCmd.Process != nil {
		h.abrsimCmd.Process.Kill()
		h.abrsimCmd.Wait()
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()
	waitForCondition(h.t, condition, timeout, description)
}

// SessionClient plays the host side of a session websocket.
type SessionClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialSession(t *testing.T, port int, sessionID string) *SessionClient {
	t.Helper()

	url := fmt.Sprintf("ws://localhost:%d/session", port)
	if sessionID != "" {
		url += "?id=" + sessionID
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	c := &SessionClient{t: t, conn: conn}
	t.Cleanup(c.Close)
	return c
}

// Send writes a message of the given type.
func (c *SessionClient) Send(msgType string, data any) {
	c.t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("failed to encode %s message: %v", msgType, err)
	}
	if err := c.conn.WriteJSON(server.Envelope{Type: msgType, Data: raw}); err != nil {
		c.t.Fatalf("failed to send %s message: %v", msgType, err)
	}
}

// SendBuffer sends a buffer fullness sample.
func (c *SessionClient) SendBuffer(fullness float64) {
	c.t.Helper()
	c.Send(server.TypeBuffer, server.BufferMessage{Fullness: fullness})
}

// ExpectSwitch waits for the next switch message.
func (c *SessionClient) ExpectSwitch() server.SwitchMessage {
	c.t.Helper()

	var msg server.SwitchMessage
	c.expect(server.TypeSwitch, &msg)
	return msg
}

// expect waits for the next message of the given type, skipping others.
func (c *SessionClient) expect(msgType string, v any) {
	c.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		var env server.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %s message: %v", msgType, err)
		}
		if env.Type == server.TypeError {
			c.t.Logf("server error: %s", env.Data)
		}
		if env.Type != msgType {
			continue
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			c.t.Fatalf("invalid %s message: %v", msgType, err)
		}
		return
	}
}

// Close closes the websocket.
func (c *SessionClient) Close() {
	c.conn.Close()
}

// serveFile starts a file server on port holding a single file.
func serveFile(t *testing.T, port int, content, name string) (*http.Server, string) {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test playlist: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(dir)))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("HTTP server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://localhost:%d/%s", port, name), 5*time.Second)
	return srv, dir
}

func fetchHealth(port int) (map[string]any, error) {
	url := fmt.Sprintf("http://localhost:%d/health", port)
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return health, nil
}

// findABRSimBinary locates the abrsim binary, skipping the test if it has
// not been built.
func findABRSimBinary(t *testing.T) string {
	t.Helper()

	candidates := []string{
		"../../abrsim",        // From test/integration
		"./abrsim",            // From project root
		"../abrsim",           // From test directory
		"./cmd/abrsim/abrsim", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			t.Logf("Found abrsim binary at: %s", absPath)
			return absPath
		}
	}

	t.Skip("abrsim binary not found. Run 'go build -o abrsim ./cmd/abrsim' first")
	return ""
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		<-ticker.C
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// createTestMasterPlaylist returns a master playlist whose variants are
// deliberately out of bandwidth order.
func createTestMasterPlaylist() string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, v := range []struct {
		bandwidth  int
		resolution string
		uri        string
	}{
		{1280000, "960x540", "mid/playlist.m3u8"},
		{640000, "640x360", "low/playlist.m3u8"},
		{2560000, "1280x720", "high/playlist.m3u8"},
	} {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n%s\n", v.bandwidth, v.resolution, v.uri)
	}
	return b.String()
}
