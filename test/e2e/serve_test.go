package e2e

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

const (
	startupTimeout = 15 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	output *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "specrun-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "specrun")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/specrun")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func sampleProject(t *testing.T) string {
	t.Helper()
	return filepath.Join(findRepoRoot(t), "testdata", "projects", "sample")
}

func startServer(t *testing.T, binary string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	output := &lockedBuffer{}
	cmd := exec.Command(binary, "serve", sampleProject(t))
	cmd.Env = append(os.Environ(),
		"SPECRUN_LISTEN_ADDR="+addr,
		"SPECRUN_DB_PATH="+dbPath,
		"SPECRUN_LOG_LEVEL=info",
	)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		output: output,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\noutput:\n%s", startupTimeout, output.String())
	return nil
}

func TestServeReportsReadyEngine(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" || body["engine"] != "ready" {
		t.Errorf("healthz = %v, want ok with a ready engine", body)
	}
}

func TestServeRunsBatchAndRecordsIt(t *testing.T) {
	sp := startServer(t, getBinary(t))

	resp, err := http.Post(sp.url+"/v1/batch?wait=true", "application/json",
		bytes.NewBufferString(`{"workspace":"Sentences","lifecycle":"Regression"}`))
	if err != nil {
		t.Fatalf("POST /v1/batch: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200\nbody: %s", resp.StatusCode, body)
	}

	var doc struct {
		ID      string `json:"id"`
		Records []struct {
			Specification struct {
				ID string `json:"id"`
			} `json:"specification"`
			Status string `json:"status"`
		} `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(doc.Records) != 1 || doc.Records[0].Specification.ID != "Sentences/sentence2" {
		t.Fatalf("records = %+v, want Sentences/sentence2 only", doc.Records)
	}
	if doc.Records[0].Status != "success" {
		t.Errorf("status = %q, want success", doc.Records[0].Status)
	}

	// Records are written once the batch result has been delivered.
	deadline := time.Now().Add(5 * time.Second)
	for {
		var list struct {
			Total int `json:"total"`
		}
		r, err := http.Get(sp.url + "/v1/records")
		if err != nil {
			t.Fatalf("GET /v1/records: %v", err)
		}
		err = json.NewDecoder(r.Body).Decode(&list)
		r.Body.Close()
		if err != nil {
			t.Fatalf("decode records: %v", err)
		}
		if list.Total == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("records total = %d, want 1", list.Total)
		}
		time.Sleep(pollInterval)
	}
}

func TestServeShutsDownOnSignal(t *testing.T) {
	sp := startServer(t, getBinary(t))

	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sp.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("server exited with %v\noutput:\n%s", err, sp.output.String())
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("server did not exit after SIGTERM\noutput:\n%s", sp.output.String())
	}
	if !strings.Contains(sp.output.String(), "server stopped") {
		t.Errorf("output missing shutdown log:\n%s", sp.output.String())
	}
}

func TestRunCommandExitStatus(t *testing.T) {
	binary := getBinary(t)
	root := findRepoRoot(t)

	ok := exec.Command(binary, "run", filepath.Join(root, "testdata", "projects", "sample"))
	if out, err := ok.CombinedOutput(); err != nil {
		t.Fatalf("run sample: %v\n%s", err, out)
	}

	broken := exec.Command(binary, "run", filepath.Join(root, "testdata", "projects", "broken"))
	out, err := broken.CombinedOutput()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("run broken: err = %v, want exit status 1\n%s", err, out)
	}
}
