package sink

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brinelog/ingestd/entity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Invariant 3: once the client_id and ip specifiers are uninstalled after a
// Write, neither remains installed.
func TestFormatterSpecifiersDoNotLeak(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	s, err := NewFileSink(FileConfig{Path: path}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	defer s.Close()

	req := &entity.LogRequest{IPAddr: "9.9.9.9", Client: &entity.Client{ClientID: "c1"}}

	s.InstallFormatter("client_id", func(r *entity.LogRequest) string {
		if r == nil || r.Client == nil {
			return ""
		}
		return r.Client.ID()
	})
	s.InstallFormatter("ip", func(r *entity.LogRequest) string {
		if r == nil {
			return ""
		}
		return r.IPAddr
	})
	s.SetCurrentRequest(req)

	err = s.Write(context.Background(), entity.WriteRecord{LoggerID: "app", Message: "hi"})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	s.UninstallFormatter("client_id")
	s.UninstallFormatter("ip")
	s.SetCurrentRequest(nil)

	if got := s.renderSpecifiers(); len(got) != 0 {
		t.Fatalf("specifiers still installed after dispatch: %v", got)
	}
}

// S1: a single write reflects the request's logger id and message, and the
// client_id/ip specifiers render into the line while installed.
func TestWriteRendersInstalledSpecifiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	s, err := NewFileSink(FileConfig{Path: path}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	defer s.Close()

	req := &entity.LogRequest{IPAddr: "1.2.3.4", Client: &entity.Client{ClientID: "c1"}}
	s.InstallFormatter("client_id", func(r *entity.LogRequest) string { return r.Client.ID() })
	s.InstallFormatter("ip", func(r *entity.LogRequest) string { return r.IPAddr })
	s.SetCurrentRequest(req)

	if err := s.Write(context.Background(), entity.WriteRecord{LoggerID: "app", Message: "hi", Level: entity.LogLevelInfo}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	s.UninstallFormatter("client_id")
	s.UninstallFormatter("ip")
	s.SetCurrentRequest(nil)

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	line := string(contents)
	if !strings.Contains(line, "app") || !strings.Contains(line, "hi") {
		t.Fatalf("line = %q, want it to mention logger id and message", line)
	}
	if !strings.Contains(line, "client_id=c1") || !strings.Contains(line, "ip=1.2.3.4") {
		t.Fatalf("line = %q, want installed specifiers rendered", line)
	}
}
