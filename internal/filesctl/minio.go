package filesctl

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(client *minio.Client) *MinioStore {
	return &MinioStore{client: client}
}

func NewMinioClient(endpoint, accessKeyID, secretAccessKey string, useSSL bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
}

func (m *MinioStore) PutFile(ctx context.Context, dest string, data []byte) (int64, error) {
	bucket, name, err := ParseObjectPath(dest)
	if err != nil {
		return 0, err
	}
	encoded, err := Encode(dest, data)
	if err != nil {
		return 0, err
	}

	info, err := m.client.PutObject(ctx, bucket, name, bytes.NewReader(encoded), int64(len(encoded)), minio.PutObjectOptions{
		ContentType: ContentType(dest),
	})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// LoadFile downloads an s3://bucket/object source.
func (m *MinioStore) LoadFile(ctx context.Context, src string) ([]byte, error) {
	bucket, name, err := ParseObjectPath(src)
	if err != nil {
		return nil, err
	}

	object, err := m.client.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, err
	}

	return data, nil
}
