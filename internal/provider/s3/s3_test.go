package s3

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	objerrors "github.com/objectfs/objectfs/pkg/errors"
)

func TestTranslateErrorNoSuchKey(t *testing.T) {
	p := &Provider{bucket: "b"}
	err := p.translateError(&types.NoSuchKey{}, "get", "k")
	if !objerrors.IsNotFound(err) {
		t.Errorf("translateError(NoSuchKey) = %v, want a not-found error", err)
	}
}

func TestTranslateErrorGeneric(t *testing.T) {
	p := &Provider{bucket: "b"}
	err := p.translateError(errors.New("boom"), "put", "k")
	if objerrors.IsRetryable(err) {
		t.Error("an unclassified error should not be marked retryable")
	}
}

func TestConditionalWriteSupportMatchesCapabilityMatrix(t *testing.T) {
	p := &Provider{}
	support := p.ConditionalWriteSupport()

	cases := []struct {
		name string
		got  int
		want int
	}{
		{"if_none_match=*", int(support.IfNoneMatchStar), 1},
		{"if_none_match=<etag>", int(support.IfNoneMatchETag), 0},
		{"if_match=<etag>", int(support.IfMatchETag), 1},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s capability = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}
