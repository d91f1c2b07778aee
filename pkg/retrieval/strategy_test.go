package retrieval

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrimary struct {
	calls int
	body  string
	err   error
}

func (f *fakePrimary) Fetch(ctx context.Context, contentID string) (io.ReadCloser, int64, error) {
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), int64(len(f.body)), nil
}

type fakeSecondary struct {
	calls   int
	lastRef MessageRef
	body    string
	err     error
}

func (f *fakeSecondary) Fetch(ctx context.Context, ref MessageRef) (io.ReadCloser, int64, error) {
	f.calls++
	f.lastRef = ref
	if f.err != nil {
		return nil, 0, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), int64(len(f.body)), nil
}

const testThreshold = 20 * 1024 * 1024

func TestFetch_SmallPayloadUsesPrimary(t *testing.T) {
	primary := &fakePrimary{body: "small payload"}
	secondary := &fakeSecondary{}
	s := NewStrategy(primary, secondary, testThreshold)

	body, n, err := s.Fetch(context.Background(), Request{ContentID: "uid", DeclaredSize: 5 * 1024 * 1024})
	require.NoError(t, err)
	defer body.Close()

	got, _ := io.ReadAll(body)
	assert.Equal(t, "small payload", string(got))
	assert.Equal(t, int64(len("small payload")), n)
	assert.Equal(t, 1, primary.calls)
	assert.Zero(t, secondary.calls, "secondary must not run when primary succeeds")
}

func TestFetch_PrimaryFailureFallsThroughSameAttempt(t *testing.T) {
	primary := &fakePrimary{err: NewFailure(KindTransportUnavailable, "api down")}
	secondary := &fakeSecondary{body: "rescued"}
	s := NewStrategy(primary, secondary, testThreshold)

	ref := MessageRef{ChatID: -1001234, MessageID: 55}
	body, _, err := s.Fetch(context.Background(), Request{ContentID: "uid", DeclaredSize: 5 * 1024 * 1024, Ref: ref})
	require.NoError(t, err)
	defer body.Close()

	got, _ := io.ReadAll(body)
	assert.Equal(t, "rescued", string(got))
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls, "fallback happens within the same fetch call")
	assert.Equal(t, ref, secondary.lastRef)
}

func TestFetch_OversizedGoesStraightToSecondary(t *testing.T) {
	primary := &fakePrimary{body: "should not be used"}
	secondary := &fakeSecondary{body: "big payload"}
	s := NewStrategy(primary, secondary, testThreshold)

	body, _, err := s.Fetch(context.Background(), Request{ContentID: "uid", DeclaredSize: testThreshold + 1})
	require.NoError(t, err)
	defer body.Close()

	assert.Zero(t, primary.calls, "oversized payloads bypass the primary transport")
	assert.Equal(t, 1, secondary.calls)
}

func TestFetch_BothTransportsFail(t *testing.T) {
	primary := &fakePrimary{err: NewFailure(KindTransportUnavailable, "api down")}
	secondary := &fakeSecondary{err: NewFailure(KindExternalTool, "exit 1: flood wait")}
	s := NewStrategy(primary, secondary, testThreshold)

	_, _, err := s.Fetch(context.Background(), Request{ContentID: "uid", DeclaredSize: 100})
	require.Error(t, err)

	f := AsFailure(err)
	assert.Equal(t, KindExternalTool, f.Kind)
	assert.Contains(t, f.Message, "flood wait")
	assert.Contains(t, f.Message, "api down", "primary diagnostics must be preserved")
}

func TestFetch_SecondaryNotFoundIsFatal(t *testing.T) {
	primary := &fakePrimary{}
	secondary := &fakeSecondary{err: NewFailure(KindNotFound, "message deleted")}
	s := NewStrategy(primary, secondary, testThreshold)

	_, _, err := s.Fetch(context.Background(), Request{ContentID: "uid", DeclaredSize: testThreshold + 1})
	require.Error(t, err)

	f := AsFailure(err)
	assert.Equal(t, KindNotFound, f.Kind)
	assert.True(t, f.Fatal())
}

func TestAsFailure_ClassifiesUnknownErrors(t *testing.T) {
	f := AsFailure(io.ErrUnexpectedEOF)
	assert.Equal(t, KindTransportUnavailable, f.Kind)
	assert.False(t, f.Fatal())
}
