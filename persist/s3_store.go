package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/keepsafe/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements Store on an S3 compatible object store through MinIO.
//
// Object layout:
//
//	bucketName/
//	└── [keyPrefix/]<scopeID>/
//	    ├── scope.json        # ScopeConfig
//	    ├── user.key          # wrapped user key record
//	    └── derivation.salt   # Argon2id salt, created-at in user metadata
type S3Store struct {
	client *minio.Client

	bucketName string

	// keyPrefix namespaces every object when the bucket is shared
	keyPrefix string

	scopeID string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service.
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucketName to use.
	KeyPrefix       string // The prefix for keys stored in the S3 bucketName.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the S3 bucketName.
}

// NewS3Store connects to the endpoint in config, creates the bucket if it is
// missing and writes the scope descriptor on first use.
func NewS3Store(config S3Config, scopeID string) (*S3Store, error) {
	if err := validateScopeID(scopeID); err != nil {
		return nil, fmt.Errorf("invalid scope ID: %w", err)
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		scopeID:    scopeID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeScopeConfig(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize scope config: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig parses config.Config into an S3Config with a JSON
// round trip and calls NewS3Store.
func NewS3StoreFromConfig(config StoreConfig, scopeID string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, scopeID)
}

func (s3s *S3Store) initializeScopeConfig(ctx context.Context) error {
	objectName := s3s.buildScopePath(scopeConfigName)
	debug.Print("initializeScopeConfig: object '%s' (scope '%s', prefix '%s')\n", objectName, s3s.scopeID, s3s.keyPrefix)

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to check scope config: %w", err)
	}

	now := time.Now().UTC()
	config := ScopeConfig{
		Version:    "1.0.0",
		ScopeID:    s3s.scopeID,
		CreatedAt:  now,
		LastAccess: now,
		Structure:  "v1",
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scope config: %w", err)
	}

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: createObjectMetadata(s3s.scopeID, "scope-config"),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to create scope config: %w", err)
	}
	return nil
}

// ListScopes returns every scope with a scope.json under the key prefix.
func (s3s *S3Store) ListScopes() ([]string, error) {
	basePrefix := strings.Trim(s3s.keyPrefix, "/")
	if basePrefix != "" {
		basePrefix += "/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    basePrefix,
		Recursive: true,
	})

	scopes := []string{}
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}

		parts := strings.Split(strings.TrimPrefix(object.Key, basePrefix), "/")
		if len(parts) == 2 && parts[0] != "" && parts[1] == scopeConfigName {
			debug.Print("ListScopes: found scope '%s'\n", parts[0])
			scopes = append(scopes, parts[0])
		}
	}

	sort.Strings(scopes)
	return scopes, nil
}

// DeleteScope removes every object under another scope's prefix.
func (s3s *S3Store) DeleteScope(scopeID string) error {
	if err := validateScopeID(scopeID); err != nil {
		return fmt.Errorf("invalid scope ID: %w", err)
	}
	if scopeID == s3s.scopeID {
		return fmt.Errorf("cannot delete current scope")
	}

	scopePrefix := s3s.buildScopePathFor(scopeID) + "/"

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    scopePrefix,
		Recursive: true,
	})

	var objectNames []string
	for object := range objectCh {
		if object.Err != nil {
			return fmt.Errorf("failed to list scope objects: %w", object.Err)
		}
		objectNames = append(objectNames, object.Key)
	}

	if len(objectNames) == 0 {
		return fmt.Errorf("scope %s does not exist", scopeID)
	}

	for _, objectName := range objectNames {
		err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{})
		if err != nil && !s3s.isNotFoundError(err) {
			return fmt.Errorf("failed to delete object %s: %w", objectName, err)
		}
	}

	return nil
}

func (s3s *S3Store) ScopeID() string {
	return s3s.scopeID
}

// SaveKey writes the wrapped user key record with optimistic concurrency control
func (s3s *S3Store) SaveKey(keyRecord []byte, expectedVersion string) (string, error) {
	if len(keyRecord) == 0 {
		return "", fmt.Errorf("key record is required")
	}
	return s3s.saveObject(keyObjectName, "user-key", "SaveKey", keyRecord, expectedVersion)
}

func (s3s *S3Store) LoadKey() (*VersionedData, error) {
	return s3s.loadObject(keyObjectName, "user key")
}

func (s3s *S3Store) KeyExists() (bool, error) {
	return s3s.objectExists(keyObjectName)
}

// SaveSalt with optimistic concurrency control
func (s3s *S3Store) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	return s3s.saveObject(saltObjectName, "salt", "SaveSalt", saltData, expectedVersion)
}

func (s3s *S3Store) LoadSalt() (*VersionedData, error) {
	return s3s.loadObject(saltObjectName, "salt")
}

func (s3s *S3Store) SaltExists() (bool, error) {
	return s3s.objectExists(saltObjectName)
}

// Health and utilities
func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

// Close records the last access time in the scope descriptor. Failures are
// ignored; the descriptor is informational.
func (s3s *S3Store) Close() error {
	objectName := s3s.buildScopePath(scopeConfigName)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil
	}
	defer object.Close()

	configData, err := io.ReadAll(object)
	if err != nil {
		return nil
	}
	var config ScopeConfig
	if err = json.Unmarshal(configData, &config); err != nil {
		return nil
	}
	config.LastAccess = time.Now().UTC()

	if updatedData, err := json.MarshalIndent(config, "", "  "); err == nil {
		_, _ = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
			bytes.NewReader(updatedData), int64(len(updatedData)),
			minio.PutObjectOptions{
				ContentType:  "application/json",
				UserMetadata: createObjectMetadata(s3s.scopeID, "scope-config"),
			},
		)
	}
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) saveObject(name, dataType, operation string, data []byte, expectedVersion string) (string, error) {
	objectName := s3s.buildScopePath(name)
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	putOptions := minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: createObjectMetadata(s3s.scopeID, dataType),
	}

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
		putOptions.SetMatchETag(expectedVersion)
	}

	info, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			currentVersion, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
		return "", fmt.Errorf("failed to save %s: %w", dataType, err)
	}

	return s3s.cleanETag(info.ETag), nil
}

func (s3s *S3Store) loadObject(name, label string) (*VersionedData, error) {
	objectName := s3s.buildScopePath(name)
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", label, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", label, err)
	}
	defer object.Close()

	// GetObject is lazy; a missing key surfaces on the first read
	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", label, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", label, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get %s metadata: %w", label, err)
	}

	timestamp := objectInfo.LastModified
	if createdAt := objectInfo.UserMetadata["Created-At"]; createdAt != "" {
		if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsed
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) objectExists(name string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.buildScopePath(name), minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s existence: %w", name, err)
	}
	return true, nil
}

func (s3s *S3Store) buildScopePath(components ...string) string {
	return s3s.buildScopePathFor(s3s.scopeID, components...)
}

// buildScopePathFor joins the key prefix, scope and components with single
// slashes, skipping empty parts.
func (s3s *S3Store) buildScopePathFor(scopeID string, components ...string) string {
	var parts []string

	if cleanPrefix := strings.Trim(s3s.keyPrefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}
	if scopeID != "" {
		parts = append(parts, scopeID)
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}

	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
