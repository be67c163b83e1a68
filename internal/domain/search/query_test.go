package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFaceQuery(t *testing.T) {
	t.Parallel()

	t.Run("valid encodings", func(t *testing.T) {
		t.Parallel()

		q, err := NewFaceQuery([]FaceEncoding{{0.1, 0.2, 0.3}})
		require.NoError(t, err)
		assert.Equal(t, QueryModeFace, q.Mode())
		assert.NoError(t, q.Validate())
	})

	t.Run("no encodings", func(t *testing.T) {
		t.Parallel()

		_, err := NewFaceQuery(nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("empty encoding vector", func(t *testing.T) {
		t.Parallel()

		_, err := NewFaceQuery([]FaceEncoding{{0.1}, {}})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestNewTextQuery(t *testing.T) {
	t.Parallel()

	t.Run("trims whitespace", func(t *testing.T) {
		t.Parallel()

		q, err := NewTextQuery("  42 ")
		require.NoError(t, err)
		assert.Equal(t, QueryModeText, q.Mode())
		assert.Equal(t, "42", q.Text())
	})

	t.Run("blank text", func(t *testing.T) {
		t.Parallel()

		_, err := NewTextQuery("   ")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestQueryValidateExactlyOneMode(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, Query{}.Validate(), ErrInvalidInput)

	both := Query{faceEncodings: []FaceEncoding{{0.1}}, text: "42"}
	assert.ErrorIs(t, both.Validate(), ErrInvalidInput)
}
