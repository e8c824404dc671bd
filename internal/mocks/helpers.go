package mocks

import (
	"testing"

	"go.uber.org/mock/gomock"
)

// NewMockChainClientForTest creates a chain client mock whose
// controller finishes with the test.
func NewMockChainClientForTest(t *testing.T) *MockChainClient {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	return NewMockChainClient(ctrl)
}
