package pagination

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/piguard/internal/failure"
)

type item struct {
	at time.Time
	id string
}

func itemKey(i item) (time.Time, string) { return i.at, i.id }

func TestEncodeDecode_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	c, err := Decode(Encode(at, "req_abc"))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(at))
	assert.Equal(t, "req_abc", c.ID)
}

func TestDecode_EmptyAndInvalid(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)

	_, err = Decode("%%%")
	assert.True(t, errors.Is(err, failure.ErrValidation))

	_, err = Decode("e30") // "{}"
	assert.True(t, errors.Is(err, failure.ErrValidation))
}

func TestCursor_After(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: at, ID: "req_5"}

	assert.True(t, c.After(at.Add(-time.Second), "req_9"))
	assert.False(t, c.After(at.Add(time.Second), "req_1"))
	assert.True(t, c.After(at, "req_4"))
	assert.False(t, c.After(at, "req_5"))
	assert.True(t, (*Cursor)(nil).After(at, "x"))
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, 10, ParseLimit("10"))
	assert.Equal(t, MaxLimit, ParseLimit("100000"))
}

func TestComputePage(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{at, "c"}, {at, "b"}, {at, "a"}}

	page, next, more := ComputePage(items, 3, itemKey)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = ComputePage(items, 2, itemKey)
	assert.Len(t, page, 2)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
}
