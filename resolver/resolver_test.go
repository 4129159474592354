package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLookup struct {
	mock.Mock
}

func (m *MockLookup) ResolveChannelIdentifier(ctx context.Context, id Identifier) (string, error) {
	args := m.Called(id)
	return args.String(0), args.Error(1)
}

const testChannelID = "UCabcdefghijklmnopqrstuv"

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected Identifier
	}{
		{testChannelID, Identifier{Kind: KindChannelID, Value: testChannelID}},
		{"  UC_test_channel ", Identifier{Kind: KindChannelID, Value: "UC_test_channel"}},
		{"https://www.youtube.com/channel/" + testChannelID, Identifier{Kind: KindChannelID, Value: testChannelID}},
		{"youtube.com/channel/" + testChannelID + "/videos", Identifier{Kind: KindChannelID, Value: testChannelID}},
		{"https://www.youtube.com/c/SomeCreator", Identifier{Kind: KindCustomURL, Value: "SomeCreator", Pending: true}},
		{"https://www.youtube.com/@handle/featured", Identifier{Kind: KindHandle, Value: "handle", Pending: true}},
		{"@handle", Identifier{Kind: KindHandle, Value: "handle", Pending: true}},
		{"https://www.youtube.com/user/OldName", Identifier{Kind: KindUsername, Value: "OldName", Pending: true}},
		{"UCshort", Identifier{Kind: KindLiteral, Value: "UCshort"}},
		{"something-else", Identifier{Kind: KindLiteral, Value: "something-else"}},
		{"https://example.com/channel/x", Identifier{Kind: KindLiteral, Value: "https://example.com/channel/x"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Parse(tt.input))
		})
	}
}

func TestResolveWithoutLookup(t *testing.T) {
	r := New(nil)

	id, err := r.Resolve(context.Background(), "https://www.youtube.com/channel/"+testChannelID)
	require.NoError(t, err)
	assert.Equal(t, testChannelID, id)

	_, err = r.Resolve(context.Background(), "@handle")
	assert.ErrorIs(t, err, common.ErrInvalidChannelIdentifier)

	_, err = r.Resolve(context.Background(), "not a channel")
	assert.ErrorIs(t, err, common.ErrInvalidChannelIdentifier)

	_, err = r.Resolve(context.Background(), "   ")
	assert.ErrorIs(t, err, common.ErrInvalidChannelIdentifier)

	_, err = r.Resolve(context.Background(), "https://www.youtube.com/channel/bogus")
	assert.ErrorIs(t, err, common.ErrInvalidChannelIdentifier)
}

func TestResolveDelegatesPendingShapes(t *testing.T) {
	lookup := &MockLookup{}
	lookup.On("ResolveChannelIdentifier", Identifier{Kind: KindHandle, Value: "creator", Pending: true}).
		Return(testChannelID, nil).Once()
	lookup.On("ResolveChannelIdentifier", Identifier{Kind: KindCustomURL, Value: "Brand", Pending: true}).
		Return("not-an-id", nil).Once()
	lookup.On("ResolveChannelIdentifier", Identifier{Kind: KindUsername, Value: "gone", Pending: true}).
		Return("", common.ErrNotFound).Once()

	r := New(lookup)

	id, err := r.Resolve(context.Background(), "https://www.youtube.com/@creator")
	require.NoError(t, err)
	assert.Equal(t, testChannelID, id)

	_, err = r.Resolve(context.Background(), "https://www.youtube.com/c/Brand")
	assert.ErrorIs(t, err, common.ErrInvalidChannelIdentifier)

	_, err = r.Resolve(context.Background(), "https://www.youtube.com/user/gone")
	assert.ErrorIs(t, err, common.ErrInvalidChannelIdentifier)
	assert.True(t, errors.Is(err, common.ErrNotFound))

	lookup.AssertExpectations(t)
}

func TestResolveRawIDNeverCallsLookup(t *testing.T) {
	lookup := &MockLookup{}
	r := New(lookup)

	id, err := r.Resolve(context.Background(), testChannelID)
	require.NoError(t, err)
	assert.Equal(t, testChannelID, id)
	lookup.AssertNotCalled(t, "ResolveChannelIdentifier", mock.Anything)
}
