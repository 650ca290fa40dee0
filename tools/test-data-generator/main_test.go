package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/ehrprivacy/internal/export"
)

func testGenerator(seed int64) *Generator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	config := getDefaultConfig()
	config.Patients = 50
	config.Seed = seed
	return NewGenerator(config, logger)
}

func TestGenerate(t *testing.T) {
	table, err := testGenerator(7).Generate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, admissionColumns, table.Columns)
	assert.GreaterOrEqual(t, table.Len(), 50)
	assert.LessOrEqual(t, table.Len(), 150)

	config := getDefaultConfig()
	demographics := make(map[float64]string)
	for _, r := range table.Rows {
		age, ok := r.Get("age").Float()
		require.True(t, ok)
		assert.GreaterOrEqual(t, age, float64(config.Age.Min))
		assert.LessOrEqual(t, age, float64(config.Age.Max))

		los, ok := r.Get("los").Float()
		require.True(t, ok)
		assert.GreaterOrEqual(t, los, 0.5)

		assert.Contains(t, config.Diagnoses, r.Get("primary_diagnosis").String())
		assert.Contains(t, config.AdmissionTypes, r.Get("admission_type").String())

		subject, _ := r.Get("subject_id").Float()
		key := r.Get("age").String() + "/" + r.Get("gender").String() + "/" + r.Get("ethnicity").String()
		if prev, seen := demographics[subject]; seen {
			assert.Equal(t, prev, key, "admissions of one patient share demographics")
		}
		demographics[subject] = key
	}
	assert.Len(t, demographics, 50)
}

func TestGenerate_SeedIsReproducible(t *testing.T) {
	a, err := testGenerator(42).Generate(context.Background())
	require.NoError(t, err)
	b, err := testGenerator(42).Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerate_InvalidPatients(t *testing.T) {
	g := testGenerator(1)
	g.config.Patients = 0
	_, err := g.Generate(context.Background())
	assert.Error(t, err)
}

func TestSaveToFile_ReadsBackAsCSV(t *testing.T) {
	g := testGenerator(3)
	table, err := g.Generate(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "admissions.csv")
	require.NoError(t, g.SaveToFile(table, path, "csv"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	read, err := export.ReadCSV(f, export.CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, table.Len(), read.Len())
	assert.Equal(t, admissionColumns, read.Columns)
	assert.True(t, read.IsNumericColumn("age"))

	assert.Error(t, g.SaveToFile(table, path, "parquet"))
}
