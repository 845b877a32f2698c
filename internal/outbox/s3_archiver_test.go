package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/certification/internal/models"
)

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &manager.UploadOutput{Key: in.Key}, nil
}

func sampleEvent() models.CertificateEvent {
	return models.CertificateEvent{
		ID:            uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7"),
		CertificateID: uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e"),
		EventType:     models.EventCertificateIssued,
		Payload:       json.RawMessage(`{"b":1,"a":"x"}`),
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestS3ArchiverUploadsRenderRequest(t *testing.T) {
	up := &fakeUploader{}
	a := newS3Archiver(up, "certs-bucket", "prod")

	key, err := a.Archive(context.Background(), sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, "prod/certificates/2026/03/01/0f8fad5b-d9cb-469f-a165-70867728950e.json", key)
	assert.Equal(t, "certs-bucket", aws.ToString(up.input.Bucket))
	assert.Equal(t, key, aws.ToString(up.input.Key))
	assert.Equal(t, "application/json", aws.ToString(up.input.ContentType))
	assert.Equal(t, s3types.ServerSideEncryptionAes256, up.input.ServerSideEncryption)

	want, err := RenderRequest(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, string(want), string(up.body))
}

func TestS3ArchiverWithoutPrefix(t *testing.T) {
	a := newS3Archiver(&fakeUploader{}, "b", "")
	assert.Equal(t, "certificates/2026/03/01/0f8fad5b-d9cb-469f-a165-70867728950e.json", a.ObjectKey(sampleEvent()))
}

func TestS3ArchiverUploadError(t *testing.T) {
	a := newS3Archiver(&fakeUploader{err: errors.New("access denied")}, "b", "p")
	_, err := a.Archive(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "s3 upload: access denied")
}

func TestEnvelopeIsCanonical(t *testing.T) {
	out, err := Envelope(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, `{"certificateId":"0f8fad5b-d9cb-469f-a165-70867728950e","createdAt":"2026-03-01T12:00:00Z","eventType":"certificate.issued","id":"7c9e6679-7425-40de-944b-e07fc1f90ae7","payload":{"a":"x","b":1}}`, string(out))
}

func TestRenderRequestGolden(t *testing.T) {
	out, err := RenderRequest(sampleEvent())
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "render_request", out)
}

func TestNewKafkaProducerValidatesConfig(t *testing.T) {
	_, err := NewKafkaProducer(KafkaProducerConfig{Topic: "certificates"})
	assert.Error(t, err)
	_, err = NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}, Topic: "certificates"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.maxAttempts)
	assert.NoError(t, p.Close())
}
