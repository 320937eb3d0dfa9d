package cloud

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("create: %w", NewError(KindConflict, "aws", "CreateBucket", errors.New("owned")))

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestOutcomes(t *testing.T) {
	tests := []struct {
		kind         Kind
		plain        string
		createResult string
		deleteResult string
	}{
		{KindNotFound, "fatal", "fatal", "success"},
		{KindConflict, "fatal", "success", "fatal"},
		{KindBadRequest, "fatal", "fatal", "fatal"},
		{KindServerError, "retry", "retry", "retry"},
		{KindThrottled, "retry", "retry", "retry"},
		{KindTimeout, "retry", "retry", "retry"},
		{KindUnknown, "retry", "retry", "retry"},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := NewError(tt.kind, "test", "Op", errors.New("boom"))
			assert.Equal(t, tt.plain, Outcome(err).Status.String())
			assert.Equal(t, tt.createResult, CreateOutcome(err).Status.String())
			assert.Equal(t, tt.deleteResult, DeleteOutcome(err).Status.String())
		})
	}

	assert.True(t, Outcome(nil).IsSuccess())
}

func TestErrorMessage(t *testing.T) {
	err := NewError(KindNotFound, "aws", "HeadBucket", errors.New("404"))
	assert.Equal(t, "aws HeadBucket: not_found: 404", err.Error())
	assert.Equal(t, "aws HeadBucket: timeout", NewError(KindTimeout, "aws", "HeadBucket", nil).Error())
}

func TestClaimOutcome(t *testing.T) {
	conflict := NewError(KindConflict, "test", "Create", errors.New("exists"))
	mine := func() error { return nil }
	theirs := func() error {
		return CheckOwner("bucket", "data", map[string]string{LabelOwner: "r-2"}, "r-1")
	}
	gone := func() error { return NewError(KindNotFound, "test", "Get", nil) }

	assert.True(t, ClaimOutcome(nil, theirs).IsSuccess())
	assert.True(t, ClaimOutcome(conflict, mine).IsSuccess())
	assert.Equal(t, "fatal", ClaimOutcome(conflict, theirs).Status.String())
	assert.Equal(t, "retry", ClaimOutcome(conflict, gone).Status.String())
	assert.Equal(t, "fatal", ClaimOutcome(fmt.Errorf("create: %w", ErrNotOwned), mine).Status.String())
	assert.Equal(t, "retry", ClaimOutcome(NewError(KindThrottled, "test", "Create", nil), mine).Status.String())
}

func TestCheckOwner(t *testing.T) {
	labels := OwnedLabels(map[string]string{"team": "a"}, "r-1")
	assert.Equal(t, map[string]string{"team": "a", LabelOwner: "r-1"}, labels)

	assert.NoError(t, CheckOwner("bucket", "data", labels, "r-1"))
	err := CheckOwner("bucket", "data", labels, "r-2")
	assert.ErrorIs(t, err, ErrNotOwned)
	assert.Contains(t, err.Error(), "owned by resource r-1")
	assert.ErrorIs(t, CheckOwner("bucket", "data", map[string]string{"team": "a"}, "r-1"), ErrNotOwned)
	assert.ErrorIs(t, CheckOwner("bucket", "data", nil, "r-1"), ErrNotOwned)
}
