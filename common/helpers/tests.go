// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !release

// Package helpers contains small functions usable by any other
// package, both for testing or not.
package helpers

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// CheckExternalService checks an external service (like Kafka) listening on
// one of the provided candidates. The test is skipped when the service is
// not available, unless SWOTAP_FUNCTIONAL_TESTS is set.
func CheckExternalService(t *testing.T, name string, candidates []string) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("Skip test with real %s in short mode", name)
	}
	mandatory := os.Getenv("SWOTAP_FUNCTIONAL_TESTS") != ""
	unavailable := func(format string, args ...any) {
		t.Helper()
		if mandatory {
			t.Fatalf(format+" (SWOTAP_FUNCTIONAL_TESTS is set)", args...)
		}
		t.Skipf(format+" (SWOTAP_FUNCTIONAL_TESTS is not set)", args...)
	}

	server := ""
	resolv := net.Resolver{PreferGo: true}
	for _, candidate := range candidates {
		hostname, _, err := net.SplitHostPort(candidate)
		if err != nil {
			t.Fatalf("%s is an invalid candidate", candidate)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_, err = resolv.LookupHost(ctx, hostname)
		cancel()
		if err == nil {
			server = candidate
			break
		}
	}
	if server == "" {
		unavailable("%s cannot be resolved", name)
	}

	var d net.Dialer
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		conn, err := d.DialContext(ctx, "tcp", server)
		if err == nil {
			conn.Close()
			return server
		}
		if ctx.Err() != nil {
			unavailable("%s is not running", name)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// StartStop starts a component and stops it on cleanup.
func StartStop(t testing.TB, component any) {
	t.Helper()
	if starterC, ok := component.(starter); ok {
		if err := starterC.Start(); err != nil {
			t.Fatalf("Start() error:\n%+v", err)
		}
	}
	t.Cleanup(func() {
		if stopperC, ok := component.(stopper); ok {
			if err := stopperC.Stop(); err != nil {
				t.Errorf("Stop() error:\n%+v", err)
			}
		}
	})
}

type starter interface {
	Start() error
}
type stopper interface {
	Stop() error
}

// Pos is a file:line recording a test data position.
type Pos struct {
	file string
	line int
}

// Mark reports the file:line position of the source file in which it appears.
func Mark() Pos {
	_, file, line, _ := runtime.Caller(1)
	return Pos{filepath.Base(file), line}
}

// String returns a textual representation of a Pos.
func (p Pos) String() string {
	if p.file != "" {
		return fmt.Sprintf("%s:%d: ", p.file, p.line)
	}
	return ""
}
