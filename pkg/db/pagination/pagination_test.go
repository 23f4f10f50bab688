package pagination

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2026-01-02T03:04:05Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor.ID)
	assert.Equal(t, "2026-01-02T03:04:05Z", cursor.CreatedAt)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	assert.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	type row struct{ id string }
	rows := []*row{{"1"}, {"2"}, {"3"}}

	info := BuildCursorPageInfo(rows, 2, func(r *row) string { return r.id })
	assert.True(t, info.HasMore)
	assert.Equal(t, "2", info.NextPageToken)

	info = BuildCursorPageInfo(rows, 5, func(r *row) string { return r.id })
	assert.False(t, info.HasMore)
	assert.Equal(t, "3", info.NextPageToken)

	info = BuildCursorPageInfo([]*row{}, 5, func(r *row) string { return r.id })
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestPaginationCarriesOnlyJSONFields(t *testing.T) {
	raw, err := json.Marshal(Pagination{PageToken: "abc", PageSize: 25})
	require.NoError(t, err)
	assert.JSONEq(t, `{"page_token":"abc","page_size":25}`, string(raw))

	field, ok := reflect.TypeOf(Pagination{}).FieldByName("PageSize")
	require.True(t, ok)
	assert.Empty(t, field.Tag.Get("form"))
	assert.Empty(t, field.Tag.Get("validate"))
}
