package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/dispatch"
	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/server"
	"github.com/aide-ai/aide/internal/sidecar"
	"github.com/aide-ai/aide/internal/storage"
	"github.com/aide-ai/aide/pkg/types"
)

// TestServer wraps a running server and the services behind it.
type TestServer struct {
	Server  *server.Server
	BaseURL string
	Config  *types.Config
	Bus     *event.Bus
	Chat    *chat.Service
	Editing *editing.Service
	Sidecar *FakeSidecar
	TempDir string
	WorkDir string
	port    int
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	workDir string
	envFile string
	scripts []Script
	exclude []string
}

// WithWorkDir sets the working directory
func WithWorkDir(dir string) TestServerOption {
	return func(c *testServerConfig) {
		c.workDir = dir
	}
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// WithScripts preloads the fake sidecar's answers.
func WithScripts(scripts ...Script) TestServerOption {
	return func(c *testServerConfig) {
		c.scripts = append(c.scripts, scripts...)
	}
}

// WithExclude sets the working set exclude globs.
func WithExclude(globs ...string) TestServerOption {
	return func(c *testServerConfig) {
		c.exclude = globs
	}
}

// StartTestServer creates and starts a server wired to a fake sidecar.
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	} else {
		_ = godotenv.Load("../../.env")
	}

	tempDir, err := os.MkdirTemp("", "aide-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	workDir := cfg.workDir
	if workDir == "" {
		workDir = filepath.Join(tempDir, "work")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	port, err := findAvailablePort()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	fake := NewFakeSidecar(cfg.scripts...)
	appConfig := &types.Config{
		Username:  "tester",
		Responder: "aide",
		Sidecar: &types.SidecarConfig{
			URL:               fake.URL(),
			Token:             "test-token",
			AuthRetries:       2,
			AuthRetryInterval: 10,
		},
		Server:  &types.ServerConfig{Port: port, Hostname: "127.0.0.1"},
		Editing: &types.EditingConfig{Exclude: cfg.exclude},
	}

	bus := event.NewBus()
	store := storage.New(filepath.Join(tempDir, "storage"))
	chatSvc := chat.NewService(store, bus, chat.ServiceOptions{
		RequesterUsername: appConfig.Username,
		ResponderUsername: appConfig.Responder,
	})
	editSvc := editing.NewService(editing.Options{Root: workDir, Exclude: cfg.exclude, Bus: bus})

	sidecarOpts := sidecar.OptionsFromConfig(appConfig.Sidecar)
	sidecarOpts.Notifier = editing.NewBusNotifier(bus)
	client := sidecar.New(sidecarOpts)

	srv := server.New(server.ConfigFrom(appConfig.Server), server.Deps{
		AppConfig:  appConfig,
		Bus:        bus,
		Chat:       chatSvc,
		Editing:    editSvc,
		Dispatcher: dispatch.New(dispatch.Options{Canceler: client, Bus: bus, Editing: editSvc}),
		Sidecar:    client,
	})

	go func() {
		_ = srv.Start()
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	ts := &TestServer{
		Server:  srv,
		BaseURL: baseURL,
		Config:  appConfig,
		Bus:     bus,
		Chat:    chatSvc,
		Editing: editSvc,
		Sidecar: fake,
		TempDir: tempDir,
		WorkDir: workDir,
		port:    port,
	}
	if err := waitForServer(baseURL, 10*time.Second); err != nil {
		ts.Stop()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}
	return ts, nil
}

// Stop shuts down the server and its services and removes the temp dir.
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if ts.Server != nil {
		err = ts.Server.Shutdown(ctx)
	}
	if ts.Sidecar != nil {
		ts.Sidecar.Close()
	}
	if ts.Editing != nil {
		_ = ts.Editing.Close()
	}
	if ts.Chat != nil {
		_ = ts.Chat.Close(ctx)
	}
	if ts.Bus != nil {
		_ = ts.Bus.Close()
	}
	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
	return err
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
}

// WorkFile returns the absolute path of name inside the work dir.
func (ts *TestServer) WorkFile(name string) string {
	return filepath.Join(ts.WorkDir, name)
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/health")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
