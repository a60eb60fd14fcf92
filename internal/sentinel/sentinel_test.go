package sentinel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorage(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, Storage("put photo", nil))
	})

	t.Run("wraps both sentinel and cause", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := Storage("put photo", cause)
		assert.ErrorIs(t, err, ErrStorage)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "put photo")
	})

	t.Run("does not double wrap", func(t *testing.T) {
		err := Storage("outer", Storage("inner", errors.New("boom")))
		assert.ErrorIs(t, err, ErrStorage)
		assert.Equal(t, 1, countOccurrences(err.Error(), ErrStorage.Error()))
	})
}

func TestInvalid(t *testing.T) {
	err := Invalid("tag must not be blank")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "invalid input: tag must not be blank", err.Error())
}

func countOccurrences(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}
