package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNotifySystemd(t *testing.T) {
	tests := []struct {
		name    string
		socket  func(t *testing.T) string
		wantErr string
	}{
		{
			name:    "unset socket",
			socket:  func(*testing.T) string { return "" },
			wantErr: "NOTIFY_SOCKET not set",
		},
		{
			name: "socket path without listener",
			socket: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "reflex-missing.sock")
			},
			wantErr: "dial failed",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("NOTIFY_SOCKET", tc.socket(t))

			err := notifySystemd()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("notifySystemd() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestNotifySystemd_SendsReady(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "reflex-notify.sock")

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(context.Background(), "unixgram", sock)
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	t.Setenv("NOTIFY_SOCKET", sock)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd: %v", err)
	}

	_ = pc.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("datagram = %q, want READY=1", got)
	}
}
