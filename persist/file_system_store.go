package persist

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"southwinds.dev/keepsafe/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

// FileSystemStore implements Store on the local filesystem.
//
// Layout:
//
//	basePath/
//	└── <scopeID>/
//	    ├── scope.json            # ScopeConfig
//	    ├── user.key              # wrapped user key record
//	    ├── derivation.salt       # Argon2id salt
//	    └── derivation.salt.meta  # salt metadata (created-at, scope-id)
type FileSystemStore struct {
	basePath    string
	scopeID     string
	scopePath   string // basePath/scopeID/
	scopeConfig string // basePath/scopeID/scope.json
	keyFile     string // basePath/scopeID/user.key
	saltFile    string // basePath/scopeID/derivation.salt
}

// NewFileSystemStore creates the scope directory under basePath if needed
// and writes its descriptor on first use.
func NewFileSystemStore(basePath string, scopeID string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if err := validateScopeID(scopeID); err != nil {
		return nil, fmt.Errorf("invalid scope ID: %w", err)
	}

	scopePath := filepath.Join(basePath, scopeID)

	fs := &FileSystemStore{
		basePath:    basePath,
		scopeID:     scopeID,
		scopePath:   scopePath,
		scopeConfig: filepath.Join(scopePath, scopeConfigName),
		keyFile:     filepath.Join(scopePath, keyObjectName),
		saltFile:    filepath.Join(scopePath, saltObjectName),
	}

	if err := os.MkdirAll(fs.scopePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", fs.scopePath, err)
	}

	if err := fs.initializeScopeConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize scope config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, scopeID string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
	}

	return NewFileSystemStore(basePath, scopeID)
}

func (fs *FileSystemStore) initializeScopeConfig() error {
	if _, err := os.Stat(fs.scopeConfig); os.IsNotExist(err) {
		now := time.Now().UTC()
		config := ScopeConfig{
			Version:    "1.0.0",
			ScopeID:    fs.scopeID,
			CreatedAt:  now,
			LastAccess: now,
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.scopeConfig, data, FilePermissions)
	}
	return nil
}

// ListScopes returns every directory under the base path holding a scope.json.
func (fs *FileSystemStore) ListScopes() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	scopes := []string{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(fs.basePath, entry.Name(), scopeConfigName)); err == nil {
			scopes = append(scopes, entry.Name())
		}
	}

	sort.Strings(scopes)
	return scopes, nil
}

// DeleteScope removes all data for a scope
func (fs *FileSystemStore) DeleteScope(scopeID string) error {
	if err := validateScopeID(scopeID); err != nil {
		return fmt.Errorf("invalid scope ID: %w", err)
	}

	if scopeID == fs.scopeID {
		return fmt.Errorf("cannot delete current scope")
	}

	scopePath := filepath.Join(fs.basePath, scopeID)
	if filepath.Dir(scopePath) != filepath.Clean(fs.basePath) {
		return fmt.Errorf("scope %s is not a directory under the store root", scopeID)
	}
	if _, err := os.Stat(scopePath); os.IsNotExist(err) {
		return fmt.Errorf("scope %s does not exist", scopeID)
	} else if err != nil {
		return fmt.Errorf("failed to check scope directory: %w", err)
	}

	if err := os.RemoveAll(scopePath); err != nil {
		return fmt.Errorf("failed to delete scope data: %w", err)
	}

	return nil
}

func (fs *FileSystemStore) ScopeID() string {
	return fs.scopeID
}

// SaveKey writes the wrapped user key record with optimistic concurrency control
func (fs *FileSystemStore) SaveKey(keyRecord []byte, expectedVersion string) (string, error) {
	if len(keyRecord) == 0 {
		return "", fmt.Errorf("key record is required")
	}
	if err := fs.checkVersion(fs.keyFile, expectedVersion, "SaveKey"); err != nil {
		return "", err
	}

	if err := writeSecureFile(fs.keyFile, keyRecord, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to save key: %w", err)
	}

	return calculateFileVersion(keyRecord), nil
}

// LoadKey returns the versioned key record
func (fs *FileSystemStore) LoadKey() (*VersionedData, error) {
	debug.Print("LoadKey: reading %s (scope: %s)\n", fs.keyFile, fs.scopeID)

	fileInfo, err := os.Stat(fs.keyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("user key: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat user key: %w", err)
	}

	data, err := os.ReadFile(fs.keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load user key: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) KeyExists() (bool, error) {
	return fileExists(fs.keyFile)
}

// SaveSalt with optimistic concurrency control
func (fs *FileSystemStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	if err := fs.checkVersion(fs.saltFile, expectedVersion, "SaveSalt"); err != nil {
		return "", err
	}

	metadata := createObjectMetadata(fs.scopeID, "salt")
	if err := writeSecureFileWithMetadata(fs.saltFile, saltData, FilePermissions, metadata); err != nil {
		return "", fmt.Errorf("failed to save salt: %w", err)
	}

	return calculateFileVersion(saltData), nil
}

// LoadSalt returns versioned salt data
func (fs *FileSystemStore) LoadSalt() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.saltFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("salt: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat salt: %w", err)
	}

	saltData, err := os.ReadFile(fs.saltFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}

	// legacy files have no metadata; fall back to the modification time
	timestamp := fileInfo.ModTime()
	if metadata, err := readMetadata(fs.saltFile); err == nil {
		if parsed, err := time.Parse(time.RFC3339, metadata["created-at"]); err == nil {
			timestamp = parsed
		}
	}

	return &VersionedData{
		Data:      saltData,
		Version:   calculateFileVersion(saltData),
		Timestamp: timestamp,
	}, nil
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	return fileExists(fs.saltFile)
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities
func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.scopePath)
	return err
}

// Close records the last access time in the scope descriptor.
func (fs *FileSystemStore) Close() error {
	configData, err := os.ReadFile(fs.scopeConfig)
	if err != nil {
		return nil
	}
	var config ScopeConfig
	if err = json.Unmarshal(configData, &config); err != nil {
		return nil
	}
	config.LastAccess = time.Now().UTC()
	if updatedData, err := json.MarshalIndent(config, "", "  "); err == nil {
		_ = writeSecureFile(fs.scopeConfig, updatedData, FilePermissions)
	}
	return nil
}

func (fs *FileSystemStore) checkVersion(path, expectedVersion, operation string) error {
	if expectedVersion == "" {
		return nil
	}
	currentVersion, err := getFileVersion(path)
	if err != nil {
		return fmt.Errorf("failed to check current version: %w", err)
	}
	if currentVersion != expectedVersion {
		return ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
			Operation:       operation,
		}
	}
	return nil
}

func getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// MD5 of the content matches the ETag S3 returns for single-part uploads
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func writeSecureFileWithMetadata(filePath string, data []byte, perm os.FileMode, metadata map[string]string) error {
	if err := writeSecureFile(filePath, data, perm); err != nil {
		return err
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return writeSecureFile(filePath+".meta", metadataBytes, perm)
}

func readMetadata(filePath string) (map[string]string, error) {
	metadataBytes, err := os.ReadFile(filePath + ".meta")
	if err != nil {
		return nil, err
	}

	var metadata map[string]string
	if err = json.Unmarshal(metadataBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return metadata, nil
}

// writeSecureFile writes through a synced temp file and renames it into
// place, so readers never observe a partial write.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanup := func(stage string, err error) error {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to %s temp file: %w", stage, err)
	}

	if _, err = tmpFile.Write(data); err != nil {
		return cleanup("write to", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return cleanup("sync", err)
	}
	if err = tmpFile.Close(); err != nil {
		return cleanup("close", err)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return cleanup("set permissions on", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return cleanup("rename", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
