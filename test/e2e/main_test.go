// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package e2e

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

var (
	cliBinary    string
	serverBinary string
	serverURL    string
)

func TestMain(m *testing.M) {
	// 1. Build the binaries
	cwd, _ := os.Getwd()
	cliBinary = filepath.Join(cwd, "pipectl_e2e")
	serverBinary = filepath.Join(cwd, "pipelines_e2e")

	// Assuming running from test/e2e/, go up to root
	cmd := exec.Command("go", "build", "-o", cliBinary, "../../cmd/pipectl")
	if out, err := cmd.CombinedOutput(); err != nil {
		fmt.Printf("Failed to build CLI: %v\n%s\n", err, out)
		os.Exit(1)
	}
	cmd = exec.Command("go", "build", "-o", serverBinary, "../../cmd/pipelines")
	if out, err := cmd.CombinedOutput(); err != nil {
		fmt.Printf("Failed to build server: %v\n%s\n", err, out)
		os.Exit(1)
	}

	// 2. Start the server on a free port with throwaway storage
	port, err := freePort()
	if err != nil {
		fmt.Printf("Failed to find a free port: %v\n", err)
		os.Exit(1)
	}
	serverURL = fmt.Sprintf("http://localhost:%d", port)

	dataDir, err := os.MkdirTemp("", "pipelines-e2e")
	if err != nil {
		fmt.Printf("Failed to create data dir: %v\n", err)
		os.Exit(1)
	}

	server := exec.Command(serverBinary)
	server.Env = append(os.Environ(),
		fmt.Sprintf("PIPELINES_PORT=%d", port),
		"PIPELINES_DATA_DIR="+dataDir,
		"PIPELINES_ENABLE_METRICS=false",
		"GIN_MODE=release",
	)
	if err := server.Start(); err != nil {
		fmt.Printf("Failed to start server: %v\n", err)
		os.Exit(1)
	}

	if err := waitForHealth(serverURL, 15*time.Second); err != nil {
		fmt.Printf("Server never became healthy: %v\n", err)
		server.Process.Kill()
		os.Exit(1)
	}

	// 3. Run Tests
	exitCode := m.Run()

	// 4. Cleanup
	server.Process.Kill()
	server.Wait()
	os.RemoveAll(dataDir)
	os.Remove(cliBinary)
	os.Remove(serverBinary)
	os.Exit(exitCode)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitForHealth(baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s/health", baseURL)
}

// pipectl runs the CLI against the e2e server in machine output mode.
func pipectl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	fullArgs := append([]string{"--server", serverURL, "--personality", "machine"}, args...)
	cmd := exec.Command(cliBinary, fullArgs...)
	cmd.Env = append(os.Environ(), "HOME="+t.TempDir())
	out, err := cmd.CombinedOutput()
	return string(out), err
}
