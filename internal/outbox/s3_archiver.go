package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/certification/internal/models"
)

// Archiver hands a render request to the certificate rendering pipeline and
// returns the object key it was stored under.
type Archiver interface {
	Archive(ctx context.Context, ev models.CertificateEvent) (key string, err error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes render requests to
//
//	s3://<bucket>/<prefix>/certificates/YYYY/MM/DD/<certificate-id>.json
//
// where the date is the event's creation date. The renderer watches that
// prefix and produces the PDF/PNG with the QR code pointing at the
// validation URL.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver picks up region and credentials from the standard AWS
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID, ...).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, errors.New("s3: bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3Archiver(manager.NewUploader(s3.NewFromConfig(cfg)), bucket, prefix), nil
}

func newS3Archiver(u uploader, bucket, prefix string) *S3Archiver {
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: u}
}

func (s *S3Archiver) ObjectKey(ev models.CertificateEvent) string {
	ts := ev.CreatedAt.UTC()
	if ev.CreatedAt.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(s.prefix, "certificates",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		ev.CertificateID.String()+".json",
	)
}

func (s *S3Archiver) Archive(ctx context.Context, ev models.CertificateEvent) (string, error) {
	body, err := RenderRequest(ev)
	if err != nil {
		return "", err
	}
	key := s.ObjectKey(ev)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	return key, nil
}
