package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type AWSServiceProvider interface {
	InitPresignClient(ctx context.Context) error
	PresignLink(ctx context.Context, bucketName string, fileName string) (string, error)
	UploadToPresignedURL(ctx context.Context, url string, fileContent []byte, mimeType string) (int, error)
	GetPresignedR2FileReadURL(ctx context.Context, bucketName, fileKey string) (string, error)
	DeleteObject(ctx context.Context, bucketName, fileKey string) error
}

// BlobStore persists uploaded images and hands out durable public URLs.
type BlobStore interface {
	Upload(ctx context.Context, fileName string, content []byte, mimeType string) (string, error)
	Delete(ctx context.Context, url string) error
}

type AWSService struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string

	S3Client        *s3.Client
	S3PresignClient *s3.PresignClient
}

func NewAWSService(cfg *Config) *AWSService {
	return &AWSService{
		AccountID:       cfg.R2AccountID,
		AccessKeyID:     cfg.R2AccessKeyID,
		AccessKeySecret: cfg.R2AccessKeySecret,
	}
}

func (awsService *AWSService) InitPresignClient(ctx context.Context) error {
	if awsService.AccountID == "" {
		return fmt.Errorf("%w: R2_ACCOUNT_ID is not set", ErrNotConfigured)
	}
	accountId := awsService.AccountID
	r2Resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountId),
		}, nil
	})
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithEndpointResolverWithOptions(r2Resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(awsService.AccessKeyID, awsService.AccessKeySecret, "")),
		config.WithRegion("auto"),
	)
	if err != nil {
		return fmt.Errorf("unable to load SDK config: %w", err)
	}

	awsService.S3Client = s3.NewFromConfig(cfg)
	awsService.S3PresignClient = s3.NewPresignClient(awsService.S3Client)
	return nil
}

func (awsService *AWSService) PresignLink(ctx context.Context, bucketName string, fileName string) (string, error) {
	if awsService.S3PresignClient == nil {
		return "", fmt.Errorf("%w: storage client is not initialized", ErrNotConfigured)
	}
	request, err := awsService.S3PresignClient.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: &bucketName, Key: &fileName})
	if err != nil {
		return "", fmt.Errorf("failed to presign upload: %w", err)
	}
	return request.URL, nil
}

func (awsService *AWSService) GetPresignedR2FileReadURL(ctx context.Context, bucketName, fileKey string) (string, error) {
	if awsService.S3PresignClient == nil {
		return "", fmt.Errorf("%w: storage client is not initialized", ErrNotConfigured)
	}
	presignedGetRequest, err := awsService.S3PresignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(fileKey),
	}, s3.WithPresignExpires(presignedURLExpiration))
	if err != nil {
		return "", fmt.Errorf("failed to presign request: %w", err)
	}
	return presignedGetRequest.URL, nil
}

func (awsService *AWSService) DeleteObject(ctx context.Context, bucketName, fileKey string) error {
	if awsService.S3Client == nil {
		return fmt.Errorf("%w: storage client is not initialized", ErrNotConfigured)
	}
	_, err := awsService.S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(fileKey),
	})
	return err
}

func (awsService *AWSService) UploadToPresignedURL(ctx context.Context, url string, fileContent []byte, mimeType string) (int, error) {
	if mimeType == "" {
		mimeType = http.DetectContentType(fileContent)
	}
	if !IsAllowedImage("", mimeType) {
		return 0, fmt.Errorf("unsupported file type: %s", mimeType)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(fileContent))
	if err != nil {
		return 0, fmt.Errorf("error creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error uploading file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}
	return resp.StatusCode, nil
}

// R2BlobStore uploads through presigned PUT links. Public URLs come from
// PublicBaseURL when the bucket is exposed, otherwise from presigned read links.
type R2BlobStore struct {
	AWS           AWSServiceProvider
	BucketName    string
	PublicBaseURL string
	ReadURLs      URLCacheServiceProvider
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func (store *R2BlobStore) Upload(ctx context.Context, fileName string, content []byte, mimeType string) (string, error) {
	if store.BucketName == "" {
		return "", fmt.Errorf("%w: R2_BUCKET_NAME is not set", ErrNotConfigured)
	}
	key := fmt.Sprintf("uploads/%s-%s", uuid.NewString(), unsafeKeyChars.ReplaceAllString(path.Base(fileName), "_"))

	uploadURL, err := store.AWS.PresignLink(ctx, store.BucketName, key)
	if err != nil {
		return "", err
	}
	status, err := store.AWS.UploadToPresignedURL(ctx, uploadURL, content, mimeType)
	if err != nil {
		return "", err
	}
	log.Debug().Str("key", key).Int("status", status).Int("size", len(content)).Msg("blob uploaded")

	if store.PublicBaseURL != "" {
		return strings.TrimSuffix(store.PublicBaseURL, "/") + "/" + key, nil
	}
	if store.ReadURLs == nil {
		return "", fmt.Errorf("%w: neither R2_PUBLIC_BASE_URL nor a read URL cache is configured", ErrNotConfigured)
	}
	return store.ReadURLs.GetReadURL(ctx, key)
}

func (store *R2BlobStore) Delete(ctx context.Context, blobURL string) error {
	key, err := store.keyFromURL(blobURL)
	if err != nil {
		return err
	}
	if err := store.AWS.DeleteObject(ctx, store.BucketName, key); err != nil {
		return err
	}
	if store.ReadURLs != nil {
		if err := store.ReadURLs.Forget(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("could not drop cached read url")
		}
	}
	return nil
}

func (store *R2BlobStore) keyFromURL(blobURL string) (string, error) {
	if store.PublicBaseURL != "" {
		prefix := strings.TrimSuffix(store.PublicBaseURL, "/") + "/"
		if strings.HasPrefix(blobURL, prefix) {
			return strings.TrimPrefix(blobURL, prefix), nil
		}
	}
	parsed, err := url.Parse(blobURL)
	if err != nil {
		return "", fmt.Errorf("invalid blob url: %w", err)
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	// path-style presigned links carry the bucket as the first segment
	key = strings.TrimPrefix(key, store.BucketName+"/")
	if key == "" {
		return "", errors.New("blob url has no object key")
	}
	return key, nil
}
