package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestKey(t *testing.T) {
	a := NewWithClient(&fakePutter{}, "b")
	at := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	if got, want := a.Key("outgoing", "j1", at), "dead-letters/outgoing/2026/03/07/j1.json"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestArchiveDeadLetter(t *testing.T) {
	fake := &fakePutter{}
	a := NewWithClient(fake, "archive-bucket")
	a.now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }

	if err := a.ArchiveDeadLetter(context.Background(), "incoming", "j9", []byte(`{"id":"j9"}`)); err != nil {
		t.Fatalf("ArchiveDeadLetter: %v", err)
	}
	if got := aws.ToString(fake.input.Bucket); got != "archive-bucket" {
		t.Errorf("bucket = %q", got)
	}
	if got := aws.ToString(fake.input.Key); got != "dead-letters/incoming/2026/01/02/j9.json" {
		t.Errorf("key = %q", got)
	}
	if string(fake.body) != `{"id":"j9"}` {
		t.Errorf("body = %q", fake.body)
	}
}

func TestArchiveDeadLetterError(t *testing.T) {
	a := NewWithClient(&fakePutter{err: errors.New("denied")}, "b")
	if err := a.ArchiveDeadLetter(context.Background(), "q", "id", nil); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestNewS3ArchiveValidation(t *testing.T) {
	if _, err := NewS3Archive(Config{}); err == nil {
		t.Error("missing bucket should fail")
	}
	if _, err := NewS3Archive(Config{Bucket: "b"}); err == nil {
		t.Error("missing credentials should fail")
	}
}
