package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

const admissionsCSV = `subject_id,age,gender,icd9_code,mortality
1001,67,F,4280,true
1002,45,M,41401,false
1003,,F,V3000,false
1004,82.5,M,4280,NA
`

func TestReadCSV_InfersColumnKinds(t *testing.T) {
	table, err := ReadCSV(strings.NewReader(admissionsCSV), CSVOptions{NullValue: "NA"})
	require.NoError(t, err)

	assert.Equal(t, []string{"subject_id", "age", "gender", "icd9_code", "mortality"}, table.Columns)
	require.Equal(t, 4, table.Len())

	first := table.Rows[0]
	assert.Equal(t, models.Numeric(1001), first["subject_id"])
	assert.Equal(t, models.Numeric(67), first["age"])
	assert.Equal(t, models.Categorical("F"), first["gender"])
	assert.Equal(t, models.Categorical("4280"), first["icd9_code"], "one non-numeric code makes the column categorical")
	assert.Equal(t, models.Bool(true), first["mortality"])

	assert.True(t, table.Rows[2]["age"].IsNull())
	assert.Equal(t, models.Numeric(82.5), table.Rows[3]["age"])
	assert.True(t, table.Rows[3]["mortality"].IsNull())
	assert.True(t, table.IsNumericColumn("age"))
}

func TestReadCSV_ForcedCategorical(t *testing.T) {
	table, err := ReadCSV(strings.NewReader(admissionsCSV), CSVOptions{Categorical: []string{"subject_id"}})
	require.NoError(t, err)
	assert.Equal(t, models.Categorical("1001"), table.Rows[0]["subject_id"])
}

func TestReadCSV_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		options CSVOptions
	}{
		{"empty", "", CSVOptions{}},
		{"duplicate column", "age,age\n1,2\n", CSVOptions{}},
		{"ragged row", "age,gender\n1\n", CSVOptions{}},
		{"bad delimiter", "age\n1\n", CSVOptions{Delimiter: "::"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.input), tt.options)
			assert.Error(t, err)
		})
	}
}

func TestWriteCSV_RoundTrip(t *testing.T) {
	table, err := ReadCSV(strings.NewReader(admissionsCSV), CSVOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(context.Background(), &buf, table, CSVOptions{}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "subject_id,age,gender,icd9_code,mortality", lines[0])
	assert.Equal(t, "1001,67,F,4280,true", lines[1])
	assert.Equal(t, "1003,,F,V3000,false", lines[3])

	again, err := ReadCSV(&buf, CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, table, again)
}

func TestWriteCSV_Cancelled(t *testing.T) {
	table := models.NewTable("age")
	table.Append(models.Record{"age": models.Numeric(1)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WriteCSV(ctx, io.Discard, table, CSVOptions{}), context.Canceled)
}

type fakeUploader struct {
	inputs []*s3manager.UploadInput
	bodies map[string]string
	err    error
}

func (f *fakeUploader) Upload(input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), input, opts...)
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, input *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(input.Body)
	if f.bodies == nil {
		f.bodies = make(map[string]string)
	}
	key := aws.StringValue(input.Key)
	f.bodies[key] = string(body)
	f.inputs = append(f.inputs, input)
	return &s3manager.UploadOutput{Location: "s3://" + aws.StringValue(input.Bucket) + "/" + key}, nil
}

func TestS3Publisher_Publish(t *testing.T) {
	uploader := &fakeUploader{}
	publisher, err := NewS3PublisherWithUploader(&S3Config{Bucket: "releases", Prefix: "ehr"}, uploader, nil)
	require.NoError(t, err)

	table := models.NewTable("age", "gender")
	table.Append(models.Record{"age": models.Categorical("[60, 70)"), "gender": models.Categorical("F")})

	release := &Release{ID: "r-1", Name: "admissions", Technique: "k_anonymity", Rows: 1, Columns: table.Columns, Report: map[string]int{"k": 3}}
	published, err := publisher.Publish(context.Background(), table, release, CSVOptions{})
	require.NoError(t, err)

	assert.Equal(t, "ehr/admissions/r-1/table.csv", published.TableKey)
	assert.Equal(t, "ehr/admissions/r-1/report.json", published.ReportKey)
	assert.Equal(t, "s3://releases/ehr/admissions/r-1", published.String())

	require.Len(t, uploader.inputs, 2)
	assert.Equal(t, "text/csv", aws.StringValue(uploader.inputs[0].ContentType))
	assert.Equal(t, "k_anonymity", aws.StringValue(uploader.inputs[0].Metadata["technique"]))
	assert.Equal(t, "age,gender\n\"[60, 70)\",F\n", uploader.bodies[published.TableKey])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(uploader.bodies[published.ReportKey]), &decoded))
	assert.Equal(t, "r-1", decoded["id"])
	assert.Equal(t, map[string]interface{}{"k": 3.0}, decoded["report"])
}

func TestS3Publisher_AssignsReleaseID(t *testing.T) {
	uploader := &fakeUploader{}
	publisher, err := NewS3PublisherWithUploader(&S3Config{Bucket: "releases"}, uploader, nil)
	require.NoError(t, err)

	release := &Release{}
	published, err := publisher.Publish(context.Background(), models.NewTable("age"), release, CSVOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, release.ID)
	assert.False(t, release.CreatedAt.IsZero())
	assert.Equal(t, fmt.Sprintf("release/%s/table.csv", release.ID), published.TableKey)
}

func TestS3Publisher_UploadFailure(t *testing.T) {
	publisher, err := NewS3PublisherWithUploader(&S3Config{Bucket: "releases"}, &fakeUploader{err: fmt.Errorf("access denied")}, nil)
	require.NoError(t, err)

	_, err = publisher.Publish(context.Background(), models.NewTable("age"), &Release{}, CSVOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
}

func TestNewS3Publisher_RequiresBucket(t *testing.T) {
	_, err := NewS3Publisher(&S3Config{Region: "us-east-1"}, nil)
	assert.Error(t, err)
	_, err = NewS3PublisherWithUploader(nil, &fakeUploader{}, nil)
	assert.Error(t, err)
}
