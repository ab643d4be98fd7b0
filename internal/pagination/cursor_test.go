package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 5, 9, 15, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "wet_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "wet_abc123", cursor.ID)
}

func TestEmptyCursorMeansStart(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.Error(t, err)

	// Valid base64 but no separator inside.
	_, err = Decode("bm9zZXA")
	assert.Error(t, err)

	// Separator present but the timestamp is not numeric ("x:y").
	_, err = Decode("eDp5")
	assert.Error(t, err)
}

func TestComputePageUnderLimit(t *testing.T) {
	items := []string{"wet_1", "wet_2", "wet_3"}
	page, cursor, hasMore := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePageFull(t *testing.T) {
	items := []string{"wet_1", "wet_2", "wet_3", "wet_4"}
	page, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Len(t, page, 3)
	assert.True(t, hasMore)

	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "wet_3", c.ID)
}

func TestComputePageExactLimit(t *testing.T) {
	items := []string{"wet_1", "wet_2", "wet_3"}
	page, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
