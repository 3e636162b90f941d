package swiftstack

import (
	"context"
	"testing"

	"github.com/objectfs/objectfs/pkg/errors"
)

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{Bucket: "b"})
	if errors.CodeOf(err) != string(errors.CodeInvalidArgument) {
		t.Fatalf("New() without endpoint CodeOf = %q, want %q", errors.CodeOf(err), errors.CodeInvalidArgument)
	}
}
