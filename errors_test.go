package flamingo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMismatchKindString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("calling convention", MismatchCallingConvention.String())
	assert.Equal("midpoint flag", MismatchMidpoint.String())
	assert.Equal("return type", MismatchReturn.String())
	assert.Equal("parameter type", MismatchParam.String())
	assert.Equal("parameter count", MismatchParamCount.String())
	assert.Equal("unknown", MismatchKind(99).String())
}

func TestErrBadPrioritiesMessage(t *testing.T) {
	assert := assert.New(t)
	err := &ErrBadPriorities{Target: TargetDescriptor(0x1000), Detail: "priority constraints form a cycle"}
	assert.Contains(err.Error(), "0x1000")
	assert.Contains(err.Error(), "priority constraints form a cycle")
}

func TestErrTargetTooSmallMessage(t *testing.T) {
	assert := assert.New(t)
	err := &ErrTargetTooSmall{Target: TargetDescriptor(0x2000), Actual: 4, Needed: 5}
	msg := err.Error()
	assert.Contains(msg, "0x2000")
	assert.Contains(msg, "4")
	assert.Contains(msg, "5")
}

func TestErrTargetMismatchMessage(t *testing.T) {
	assert := assert.New(t)

	convErr := &ErrTargetMismatch{Target: TargetDescriptor(0x3000), Kind: MismatchCallingConvention}
	assert.Contains(convErr.Error(), "calling convention")

	paramErr := &ErrTargetMismatch{Target: TargetDescriptor(0x3000), Kind: MismatchParam, Index: 2}
	assert.Contains(paramErr.Error(), "parameter 2")
}

func TestJoinMismatchesAggregatesAndFilters(t *testing.T) {
	assert := assert.New(t)

	err := joinMismatches(nil, &ErrTargetMismatch{Kind: MismatchMidpoint}, nil)
	assert.Error(err)
	assert.NotContains(err.Error(), "<nil>")

	var mismatch *ErrTargetMismatch
	assert.True(errors.As(err, &mismatch))
	assert.Equal(MismatchMidpoint, mismatch.Kind)

	assert.Nil(joinMismatches(nil, nil))
}
