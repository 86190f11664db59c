package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	defaultAssetPrefix = "assets"
	defaultURLExpiry   = time.Hour
)

var (
	ErrNotConfigured = errors.New("storage: asset storage not configured")
	ErrInvalidAsset  = errors.New("storage: invalid asset id")
	ErrAssetNotFound = errors.New("storage: asset not found")
)

// AssetStore 将剪辑引用的素材 id 解析为可播放的临时 URL。素材上传不在本服务中完成。
type AssetStore struct {
	client    *minio.Client
	bucket    string
	prefix    string
	publicURL string
	expiry    time.Duration
}

// NewAssetStoreFromEnv 使用 MINIO_* 环境变量初始化素材存储，未配置时返回 nil。
func NewAssetStoreFromEnv() (*AssetStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("storage: bucket %q does not exist", bucket)
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	prefix := strings.Trim(strings.TrimSpace(os.Getenv("MINIO_ASSET_PREFIX")), "/")
	if prefix == "" {
		prefix = defaultAssetPrefix
	}

	expiry := defaultURLExpiry
	if raw := strings.TrimSpace(os.Getenv("ASSET_URL_TTL")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			expiry = parsed
		}
	}

	return newAssetStore(client, bucket, prefix, publicURL, expiry), nil
}

func newAssetStore(client *minio.Client, bucket, prefix, publicURL string, expiry time.Duration) *AssetStore {
	if expiry <= 0 {
		expiry = defaultURLExpiry
	}
	return &AssetStore{
		client:    client,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		publicURL: strings.TrimSuffix(publicURL, "/"),
		expiry:    expiry,
	}
}

// ResolveURL 返回素材的签名 URL。外部 http(s) 地址原样返回。
func (s *AssetStore) ResolveURL(ctx context.Context, assetID string) (string, error) {
	trimmed := strings.TrimSpace(assetID)
	if trimmed == "" {
		return "", ErrInvalidAsset
	}
	if external(trimmed) && (s == nil || !s.ownsURL(trimmed)) {
		return trimmed, nil
	}
	if s == nil || s.client == nil {
		return "", ErrNotConfigured
	}

	objectName, err := s.objectName(trimmed)
	if err != nil {
		return "", err
	}

	statCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := s.client.StatObject(statCtx, s.bucket, objectName, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
		}
		return "", fmt.Errorf("storage: stat asset %s: %w", assetID, err)
	}

	signed, err := s.client.PresignedGetObject(statCtx, s.bucket, objectName, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("storage: presign asset %s: %w", assetID, err)
	}
	return signed.String(), nil
}

// objectName 将素材 id 或本桶的公开地址映射为对象键。
func (s *AssetStore) objectName(assetID string) (string, error) {
	candidate := assetID
	if external(assetID) {
		name, ok := s.objectNameFromURL(assetID)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrInvalidAsset, assetID)
		}
		candidate = name
	} else {
		candidate = strings.TrimPrefix(candidate, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
	}

	for _, segment := range strings.Split(candidate, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %s", ErrInvalidAsset, assetID)
		}
	}
	candidate = path.Clean("/" + candidate)[1:]
	if candidate == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidAsset, assetID)
	}
	if s.prefix != "" && !strings.HasPrefix(candidate, s.prefix+"/") {
		candidate = path.Join(s.prefix, candidate)
	}
	return candidate, nil
}

func (s *AssetStore) ownsURL(raw string) bool {
	_, ok := s.objectNameFromURL(raw)
	return ok
}

func (s *AssetStore) objectNameFromURL(raw string) (string, bool) {
	base, err := url.Parse(s.publicURL)
	if err != nil || base.Host == "" {
		return "", false
	}
	target, err := url.Parse(raw)
	if err != nil || target.Host != base.Host {
		return "", false
	}
	candidate := strings.TrimPrefix(target.Path, "/")
	candidate = strings.TrimPrefix(candidate, s.bucket+"/")
	if candidate == "" {
		return "", false
	}
	return candidate, true
}

func external(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
