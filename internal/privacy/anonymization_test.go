package privacy

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

func identifiedTable() *models.Table {
	table := models.NewTable("subject_id", "hadm_id", "age")
	for _, row := range []struct {
		subject, admission float64
		age                float64
	}{
		{1001, 5001, 64},
		{1001, 5002, 65},
		{1002, 5003, 41},
	} {
		table.Append(models.Record{
			"subject_id": models.Numeric(row.subject),
			"hadm_id":    models.Numeric(row.admission),
			"age":        models.Numeric(row.age),
		})
	}
	table.Append(models.Record{"subject_id": models.Null(), "hadm_id": models.Numeric(5004), "age": models.Numeric(30)})
	return table
}

func TestPseudonymizer_Sequential(t *testing.T) {
	p, err := NewPseudonymizer(&PseudonymizationConfig{
		Method:            PseudonymSequential,
		DirectIdentifiers: []string{"subject_id", "mrn"},
	}, testLogger())
	require.NoError(t, err)

	source := identifiedTable()
	out, err := p.Apply(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, models.Categorical("anon_000001"), out.Rows[0]["subject_id"])
	assert.Equal(t, models.Categorical("anon_000001"), out.Rows[1]["subject_id"], "one patient keeps one pseudonym")
	assert.Equal(t, models.Categorical("anon_000002"), out.Rows[2]["subject_id"])
	assert.True(t, out.Rows[3]["subject_id"].IsNull())
	assert.Equal(t, models.Numeric(5001), out.Rows[0]["hadm_id"], "unlisted columns pass through")

	assert.Equal(t, models.Numeric(1001), source.Rows[0]["subject_id"])
	assert.Equal(t, map[string]string{
		"subject_id=1001": "anon_000001",
		"subject_id=1002": "anon_000002",
	}, p.Mappings())
}

func TestPseudonymizer_HashIsKeyedAndStable(t *testing.T) {
	config := func(salt string) *PseudonymizationConfig {
		return &PseudonymizationConfig{Method: PseudonymHash, HashingSalt: salt, DirectIdentifiers: []string{"subject_id"}}
	}
	first, err := NewPseudonymizer(config("ward-salt"), testLogger())
	require.NoError(t, err)
	second, err := NewPseudonymizer(config("ward-salt"), testLogger())
	require.NoError(t, err)
	other, err := NewPseudonymizer(config("other-salt"), testLogger())
	require.NoError(t, err)

	a, err := first.Apply(context.Background(), identifiedTable())
	require.NoError(t, err)
	b, err := second.Apply(context.Background(), identifiedTable())
	require.NoError(t, err)
	c, err := other.Apply(context.Background(), identifiedTable())
	require.NoError(t, err)

	id := a.Rows[0]["subject_id"].Str
	assert.True(t, strings.HasPrefix(id, "anon_"))
	assert.Len(t, id, len("anon_")+16)
	assert.Equal(t, a.Rows[0]["subject_id"], a.Rows[1]["subject_id"])
	assert.NotEqual(t, a.Rows[0]["subject_id"], a.Rows[2]["subject_id"])
	assert.Equal(t, a.Rows, b.Rows)
	assert.NotEqual(t, a.Rows[0]["subject_id"], c.Rows[0]["subject_id"])
}

func TestPseudonymizer_Random(t *testing.T) {
	p, err := NewPseudonymizer(&PseudonymizationConfig{Method: PseudonymRandom, DirectIdentifiers: []string{"hadm_id"}}, testLogger())
	require.NoError(t, err)

	out, err := p.Apply(context.Background(), identifiedTable())
	require.NoError(t, err)

	id := strings.TrimPrefix(out.Rows[0]["hadm_id"].Str, "anon_")
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, out.Rows[0]["hadm_id"], out.Rows[1]["hadm_id"])
}

func TestPseudonymizer_Drop(t *testing.T) {
	p, err := NewPseudonymizer(&PseudonymizationConfig{Method: PseudonymDrop, DirectIdentifiers: []string{"subject_id", "hadm_id"}}, testLogger())
	require.NoError(t, err)

	out, err := p.Apply(context.Background(), identifiedTable())
	require.NoError(t, err)
	assert.Equal(t, []string{"age"}, out.Columns)
	require.Equal(t, 4, out.Len())
	assert.Equal(t, models.Record{"age": models.Numeric(64)}, out.Rows[0])
}

func TestPseudonymizer_InvalidConfiguration(t *testing.T) {
	_, err := NewPseudonymizer(&PseudonymizationConfig{Method: "rot13"}, testLogger())
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)

	_, err = NewPseudonymizer(&PseudonymizationConfig{Method: PseudonymHash}, testLogger())
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)

	_, err = NewPseudonymizer(&PseudonymizationConfig{}, testLogger())
	assert.ErrorIs(t, err, errors.ErrInvalidParameter, "hash is the default and still needs a salt")

	p, err := NewPseudonymizer(nil, testLogger())
	require.NoError(t, err)
	_, err = p.Apply(context.Background(), nil)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
}
