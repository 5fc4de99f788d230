package contacthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// ErrDuplicateSubmission is returned by a Sink when a submission with the
// same ID was already stored.
var ErrDuplicateSubmission = errors.New("submission already stored")

// Sink stores accepted submissions.
type Sink interface {
	Store(ctx context.Context, s Submission) error
}

// ObjectPutter is the part of *s3.Client S3Sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each submission as its own JSON object under
// <prefix>/YYYY/MM/DD/<id>.json.
type S3Sink struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewS3Sink(client ObjectPutter, bucket, prefix string) (*S3Sink, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("bucket is required")
	}
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Key returns the object key for s, dated in UTC.
func (k *S3Sink) Key(s Submission) string {
	name := s.ReceivedAt.UTC().Format("2006/01/02") + "/" + s.ID + ".json"
	if k.prefix == "" {
		return name
	}
	return k.prefix + "/" + name
}

func (k *S3Sink) Store(ctx context.Context, s Submission) error {
	body, err := json.Marshal(s)
	if err != nil {
		return xerrors.Wrap(err, "encode submission")
	}
	key := k.Key(s)
	_, err = k.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(k.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentLength:        aws.Int64(int64(len(body))),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		// never overwrite an earlier submission
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return xerrors.Wrapf(ErrDuplicateSubmission, "put s3://%s/%s", k.bucket, key)
		}
		return xerrors.Wrapf(err, "put s3://%s/%s", k.bucket, key)
	}
	return nil
}

// LogSink writes submissions to the log. For local development only, it puts
// personal data in log output.
type LogSink struct {
	Logger log.Logger
}

func (l LogSink) Store(ctx context.Context, s Submission) error {
	L := l.Logger
	if L == nil {
		L = log.FromContext(ctx)
	}
	L.Info(ctx, "contact submission",
		"submission_id", s.ID,
		"request_id", s.RequestID,
		"received_at", s.ReceivedAt,
		"name", s.Name,
		"email", s.Email,
		"message", s.Message,
	)
	return nil
}
