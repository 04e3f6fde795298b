package notes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_Totality(t *testing.T) {
	cases := []map[string]string{
		nil,
		{},
		{"data": "not json"},
		{"note_id": "42"},
		{"unknown_field": "anything"},
		{"retry_count": "not a number"},
		{"retry_count": "-3"},
	}

	for _, fields := range cases {
		assert.NotPanics(t, func() {
			rec := Normalize(fields)
			assert.NotEmpty(t, rec.Event)
			assert.GreaterOrEqual(t, rec.RetryCount, 0)
		})
	}
}

func TestNormalize_NewSchema(t *testing.T) {
	rec := Normalize(map[string]string{
		"event":       "notes.updated",
		"note_id":     "n1",
		"trace_id":    "t1",
		"retry_count": "2",
		"payload":     `{"title":"hi"}`,
	})

	assert.Equal(t, "notes.updated", rec.Event)
	assert.Equal(t, "n1", rec.NoteID)
	assert.Equal(t, "t1", rec.TraceID)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, `{"title":"hi"}`, rec.Payload)
}

func TestNormalize_LegacyDataForm(t *testing.T) {
	rec := Normalize(map[string]string{
		"event": "",
		"data":  `{"id":"n1","title":"t"}`,
	})

	assert.Equal(t, "n1", rec.NoteID)
	assert.Equal(t, DefaultEvent, rec.Event)
	assert.Equal(t, `{"id":"n1","title":"t"}`, rec.Payload)
}

func TestNormalize_LegacyDataWithEvent(t *testing.T) {
	rec := Normalize(map[string]string{
		"event": "notes.imported",
		"data":  `{"note_id":"n9"}`,
	})

	assert.Equal(t, "notes.imported", rec.Event)
	assert.Equal(t, "n9", rec.NoteID)
}

func TestNormalize_NumericNoteID(t *testing.T) {
	rec := Normalize(map[string]string{"data": `{"id":42}`})
	assert.Equal(t, "42", rec.NoteID)
}

func TestNormalize_MissingPayloadDefaultsEmptyObject(t *testing.T) {
	rec := Normalize(map[string]string{"note_id": "n1"})
	assert.Equal(t, "{}", rec.Payload)
}

func TestNormalize_RetryCountDefaultsToZero(t *testing.T) {
	for _, raw := range []string{"", "   ", "nope"} {
		rec := Normalize(map[string]string{"retry_count": raw})
		assert.Equal(t, 0, rec.RetryCount)
	}
}
