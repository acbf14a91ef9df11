package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestTesting_AssertEqualArrays(t *testing.T) {
	AssertEqualArrays(t, []int{1, 2, 3}, []int{1, 2, 3})
	AssertEqualArrays(t, nil, []byte{})
}

func TestTesting_AssertErrorIs_Wrapped(t *testing.T) {
	base := errors.New("base")
	wrapped := fmt.Errorf("outer: %w", base)
	AssertErrorIs(t, wrapped, base)
}

func TestTesting_AssertDeepEqual(t *testing.T) {
	type pair struct {
		A int
		B string
	}
	AssertDeepEqual(t, pair{1, "x"}, pair{1, "x"})
}
