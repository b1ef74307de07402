package blob

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mdn/deployer/internal/version"
)

const (
	defaultPartSize    = 16 * 1024 * 1024
	defaultUploadParts = 4
	lifecycleRuleID    = "deployer-expire"
)

type S3Backend struct {
	s3Client *s3.Client
	uploader *manager.Uploader
	config   *S3Config
}

func NewS3Backend(s3Client *s3.Client, cfg *S3Config) *S3Backend {
	return &S3Backend{
		s3Client: s3Client,
		uploader: manager.NewUploader(s3Client, func(u *manager.Uploader) {
			u.PartSize = defaultPartSize
			u.Concurrency = defaultUploadParts
		}),
		config: cfg,
	}
}

// NewS3BackendWithConfig resolves credentials and region through the shared
// AWS config chain and builds a backend bound to cfg.BucketName.
func NewS3BackendWithConfig(ctx context.Context, cfg *S3Config) (*S3Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
		config.WithAppID(version.UserAgent()),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	} else if cfg.Profile != "" && cfg.Profile != "default" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	awsClient := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			// S3-compatible endpoints rarely speak the flexible checksum trailers
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})

	return NewS3Backend(awsClient, cfg), nil
}

func (s *S3Backend) Bucket() string {
	return s.config.BucketName
}

// ===================================================================================================

func (s *S3Backend) ListObjects(ctx context.Context, params *ListObjectsParams) (*ListObjectsPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: &s.config.BucketName,
	}
	if params != nil {
		if params.Prefix != "" {
			input.Prefix = aws.String(params.Prefix)
		}
		if params.ContinuationToken != "" {
			input.ContinuationToken = aws.String(params.ContinuationToken)
		}
		if params.MaxKeys > 0 {
			input.MaxKeys = aws.Int32(params.MaxKeys)
		}
	}

	resp, err := s.s3Client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, mapError("list objects", err)
	}

	page := &ListObjectsPage{
		Objects:   make([]ObjectInfo, 0, len(resp.Contents)),
		Truncated: aws.ToBool(resp.IsTruncated),
		NextToken: aws.ToString(resp.NextContinuationToken),
	}
	for _, obj := range resp.Contents {
		page.Objects = append(page.Objects, ObjectInfo{
			Key:  aws.ToString(obj.Key),
			Size: aws.ToInt64(obj.Size),
			ETag: stripQuotes(aws.ToString(obj.ETag)),
		})
	}
	return page, nil
}

// ===================================================================================================

func (s *S3Backend) HeadObject(ctx context.Context, key string) (*HeadObjectResponse, error) {
	resp, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return nil, mapError("head object", err)
	}

	metadata := make(map[string]string, len(resp.Metadata))
	for k, v := range resp.Metadata {
		metadata[strings.ToLower(k)] = v
	}

	return &HeadObjectResponse{
		Metadata:         metadata,
		Size:             aws.ToInt64(resp.ContentLength),
		ETag:             stripQuotes(aws.ToString(resp.ETag)),
		RedirectLocation: aws.ToString(resp.WebsiteRedirectLocation),
	}, nil
}

// ===================================================================================================

// PutObject streams the body through the transfer manager, which switches to
// a multipart upload for bodies larger than one part.
func (s *S3Backend) PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	if !ValidateKey(params.Key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, params.Key)
	}

	input := &s3.PutObjectInput{
		Bucket:   &s.config.BucketName,
		Key:      &params.Key,
		Body:     params.Body,
		Metadata: params.Metadata,
	}
	if params.Size > 0 && params.Size <= defaultPartSize {
		input.ContentLength = aws.Int64(params.Size)
	}
	if params.ContentType != "" {
		input.ContentType = aws.String(params.ContentType)
	}
	if params.CacheControl != "" {
		input.CacheControl = aws.String(params.CacheControl)
	}
	if params.ACL != "" {
		input.ACL = types.ObjectCannedACL(params.ACL)
	}
	if params.RedirectLocation != "" {
		input.WebsiteRedirectLocation = aws.String(params.RedirectLocation)
	}

	resp, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return nil, mapError("put object", err)
	}

	return &PutObjectResponse{
		Key:  params.Key,
		ETag: stripQuotes(aws.ToString(resp.ETag)),
	}, nil
}

// ===================================================================================================

func (s *S3Backend) GetObject(ctx context.Context, key string) (*GetObjectResponse, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return nil, mapError("get object", err)
	}

	return &GetObjectResponse{
		Body: resp.Body,
		Size: aws.ToInt64(resp.ContentLength),
		ETag: stripQuotes(aws.ToString(resp.ETag)),
	}, nil
}

// ===================================================================================================

func (s *S3Backend) HeadBucket(ctx context.Context) error {
	_, err := s.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &s.config.BucketName,
	})
	return mapError("head bucket", err)
}

func (s *S3Backend) CreateBucket(ctx context.Context, params *CreateBucketParams) error {
	input := &s3.CreateBucketInput{
		Bucket: &s.config.BucketName,
	}
	if params.ACL != "" {
		input.ACL = types.BucketCannedACL(params.ACL)
	}
	// us-east-1 is the implicit location and must not be named
	if params.Location != "" && params.Location != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(params.Location),
		}
	}

	_, err := s.s3Client.CreateBucket(ctx, input)
	return mapError("create bucket", err)
}

// PutLifecycleExpiration expires every object in the bucket after days.
func (s *S3Backend) PutLifecycleExpiration(ctx context.Context, days int) error {
	_, err := s.s3Client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: &s.config.BucketName,
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{
				{
					ID:     aws.String(lifecycleRuleID),
					Status: types.ExpirationStatusEnabled,
					Filter: &types.LifecycleRuleFilter{Prefix: aws.String("")},
					Expiration: &types.LifecycleExpiration{
						Days: aws.Int32(int32(days)),
					},
				},
			},
		},
	})
	return mapError("put bucket lifecycle", err)
}

func (s *S3Backend) GetWebsite(ctx context.Context) (*WebsiteConfig, error) {
	resp, err := s.s3Client.GetBucketWebsite(ctx, &s3.GetBucketWebsiteInput{
		Bucket: &s.config.BucketName,
	})
	if err != nil {
		return nil, mapError("get bucket website", err)
	}

	cfg := &WebsiteConfig{}
	if resp.IndexDocument != nil {
		cfg.IndexDocument = aws.ToString(resp.IndexDocument.Suffix)
	}
	if resp.ErrorDocument != nil {
		cfg.ErrorDocument = aws.ToString(resp.ErrorDocument.Key)
	}
	for _, rule := range resp.RoutingRules {
		var r RoutingRule
		if rule.Condition != nil {
			r.KeyPrefixEquals = aws.ToString(rule.Condition.KeyPrefixEquals)
		}
		if rule.Redirect != nil {
			r.ReplaceKeyWith = aws.ToString(rule.Redirect.ReplaceKeyWith)
		}
		cfg.RoutingRules = append(cfg.RoutingRules, r)
	}
	return cfg, nil
}

func (s *S3Backend) PutWebsite(ctx context.Context, cfg *WebsiteConfig) error {
	website := &types.WebsiteConfiguration{
		IndexDocument: &types.IndexDocument{Suffix: aws.String(cfg.IndexDocument)},
	}
	if cfg.ErrorDocument != "" {
		website.ErrorDocument = &types.ErrorDocument{Key: aws.String(cfg.ErrorDocument)}
	}
	for _, rule := range cfg.RoutingRules {
		website.RoutingRules = append(website.RoutingRules, types.RoutingRule{
			Condition: &types.Condition{KeyPrefixEquals: aws.String(rule.KeyPrefixEquals)},
			Redirect:  &types.Redirect{ReplaceKeyWith: aws.String(rule.ReplaceKeyWith)},
		})
	}

	_, err := s.s3Client.PutBucketWebsite(ctx, &s3.PutBucketWebsiteInput{
		Bucket:               &s.config.BucketName,
		WebsiteConfiguration: website,
	})
	return mapError("put bucket website", err)
}

var (
	_ Store       = (*S3Backend)(nil)
	_ BucketAdmin = (*S3Backend)(nil)
)
