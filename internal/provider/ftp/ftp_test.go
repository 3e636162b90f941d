package ftp

import (
	"testing"

	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

func TestNewRequiresHost(t *testing.T) {
	_, err := New(Config{})
	if errors.CodeOf(err) != string(errors.CodeInvalidArgument) {
		t.Fatalf("New() without host CodeOf = %q, want %q", errors.CodeOf(err), errors.CodeInvalidArgument)
	}
}

func TestConfigAddrDefaultsPort21(t *testing.T) {
	cfg := Config{Host: "ftp.example.com"}
	if got := cfg.addr(); got != "ftp.example.com:21" {
		t.Errorf("addr() = %q, want ftp.example.com:21", got)
	}
}

func TestConfigAddrHonorsExplicitPort(t *testing.T) {
	cfg := Config{Host: "ftp.example.com", Port: 2121}
	if got := cfg.addr(); got != "ftp.example.com:2121" {
		t.Errorf("addr() = %q, want ftp.example.com:2121", got)
	}
}

func TestResolveJoinsBasePath(t *testing.T) {
	p := &Provider{config: Config{Host: "h", BasePath: "/srv/data"}}
	if got := p.resolve("a/b.txt"); got != "/srv/data/a/b.txt" {
		t.Errorf("resolve() = %q, want /srv/data/a/b.txt", got)
	}
}

func TestResolveWithNoBasePathReturnsKeyAsIs(t *testing.T) {
	p := &Provider{config: Config{Host: "h"}}
	if got := p.resolve("a/b.txt"); got != "a/b.txt" {
		t.Errorf("resolve() = %q, want a/b.txt", got)
	}
}

func TestConditionalWriteSupport(t *testing.T) {
	p := &Provider{}
	support := p.ConditionalWriteSupport()
	if support.IfNoneMatchStar != types.CapabilityPreconditionFailed {
		t.Errorf("IfNoneMatchStar = %v, want CapabilityPreconditionFailed", support.IfNoneMatchStar)
	}
	if support.IfNoneMatchETag != types.CapabilityUnsupported {
		t.Errorf("IfNoneMatchETag = %v, want CapabilityUnsupported", support.IfNoneMatchETag)
	}
	if support.IfMatchETag != types.CapabilityUnsupported {
		t.Errorf("IfMatchETag = %v, want CapabilityUnsupported", support.IfMatchETag)
	}
}

func TestIsNotFoundRecognizes550(t *testing.T) {
	if !isNotFound(errErr{"550 No such file or directory"}) {
		t.Error("isNotFound() should recognize a 550 response")
	}
}

type errErr struct{ msg string }

func (e errErr) Error() string { return e.msg }
