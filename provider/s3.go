package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ensure interface is implemented
var _ Provider = (*S3Provider)(nil)

// S3Options configures an S3Provider for s3a:// endpoints.
type S3Options struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint (MinIO, Ceph, ...). Path-style
	// addressing is used when it is set.
	Endpoint string
	// AccessKey and SecretKey select static credentials. When empty the
	// default AWS credential chain is used.
	AccessKey string
	SecretKey string
}

// S3Provider implements Provider on an S3 bucket. S3 has no append, so
// Append rewrites the object.
type S3Provider struct {
	client   *s3.Client
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Provider creates a new S3Provider.
func NewS3Provider(ctx context.Context, opts S3Options) (*S3Provider, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Provider{
		client:   client,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// buildKey constructs the full S3 key based on the provider's prefix
func (p *S3Provider) buildKey(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	key := path.Join(p.prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func notFound(err error, pth string) error {
	if isS3NotFound(err) {
		return &fs.PathError{Op: "stat", Path: pth, Err: fs.ErrNotExist}
	}
	return err
}

// Stat returns the FileInfo for the given path.
func (p *S3Provider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.buildKey(pth)

	headOut, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return &fileEntry{
			name:    path.Base(key),
			size:    aws.ToInt64(headOut.ContentLength),
			modTime: aws.ToTime(headOut.LastModified),
		}, nil
	}
	if !isS3NotFound(err) {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}

	// maybe a directory? Let's check prefix
	dirPrefix := key + "/"
	if key == "" {
		dirPrefix = ""
	}

	listOut, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(dirPrefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}
	if len(listOut.Contents) > 0 || len(listOut.CommonPrefixes) > 0 {
		return &fileEntry{name: path.Base(key), isDir: true}, nil
	}

	return nil, &fs.PathError{Op: "stat", Path: pth, Err: fs.ErrNotExist}
}

// List returns the contents of the given directory.
func (p *S3Provider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	dirPrefix := p.buildKey(pth)
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}

	var infos []FileInfo
	var continuationToken *string

	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(dirPrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, err)
		}

		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dirPrefix), "/")
			infos = append(infos, &fileEntry{name: name, isDir: true})
		}

		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dirPrefix)
			if name == "" { // sometimes the dir itself is in the results
				continue
			}
			isDir := strings.HasSuffix(name, "/")
			infos = append(infos, &fileEntry{
				name:    strings.TrimSuffix(name, "/"),
				size:    aws.ToInt64(obj.Size),
				isDir:   isDir,
				modTime: aws.ToTime(obj.LastModified),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	return infos, nil
}

// OpenRead opens a file for streaming reads.
func (p *S3Provider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open read %q: %w", pth, notFound(err, pth))
	}
	return out.Body, nil
}

func (p *S3Provider) put(ctx context.Context, pth string, data []byte) error {
	_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed for %q: %w", pth, err)
	}
	return nil
}

// Create writes an empty object.
func (p *S3Provider) Create(ctx context.Context, pth string) error {
	return p.put(ctx, pth, nil)
}

// Append downloads the object, appends data and uploads the result.
func (p *S3Provider) Append(ctx context.Context, pth string, data []byte) error {
	rc, err := p.OpenRead(ctx, pth)
	if err != nil {
		return err
	}
	existing, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("failed to read %q for append: %w", pth, err)
	}
	return p.put(ctx, pth, append(existing, data...))
}

// Rename copies src onto dst and deletes src.
func (p *S3Provider) Rename(ctx context.Context, src, dst string) error {
	if pending, err := renamePending(ctx, p, src, dst); err != nil || !pending {
		return err
	}
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		CopySource: aws.String(p.bucket + "/" + p.buildKey(src)),
		Key:        aws.String(p.buildKey(dst)),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %q to %q: %w", src, dst, notFound(err, src))
	}
	return p.Remove(ctx, src)
}

// Remove deletes the object. S3 does not report missing keys on delete, so
// the key is checked first.
func (p *S3Provider) Remove(ctx context.Context, pth string) error {
	if _, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
	}); err != nil {
		return notFound(err, pth)
	}

	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", pth, err)
	}
	return nil
}

func (p *S3Provider) Close() error {
	return nil
}

