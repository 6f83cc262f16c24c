package safehttp

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCheckIP(t *testing.T) {
	tests := []struct {
		ip      string
		allowed bool
	}{
		{"127.0.0.1", false},
		{"::1", false},
		{"10.1.2.3", false},
		{"192.168.0.10", false},
		{"169.254.169.254", false},
		{"0.0.0.0", false},
		{"93.184.216.34", true},
		{"2606:4700::1111", true},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			err := CheckIP(net.ParseIP(tt.ip))
			if (err == nil) != tt.allowed {
				t.Errorf("CheckIP(%s) = %v, allowed want %v", tt.ip, err, tt.allowed)
			}
		})
	}

	if CheckIP(nil) == nil {
		t.Error("CheckIP(nil) should fail")
	}
}

func TestNewTransport_RefusesLoopback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached a loopback server")
	}))
	defer server.Close()

	client := &http.Client{Transport: NewTransport()}
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("Do() error = %v, want a denied dial", err)
	}
}
