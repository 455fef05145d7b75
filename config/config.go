// Package config loads and validates the per-process JSON configuration
// file (spec §6): database DSN, blob-store, OAuth client, AuthCookie key,
// builder workdir, upstream repo URL.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config is the settings every daemon loads at startup.
type Config struct {
	// DatabaseDSN is the Postgres connection string for the Store.
	DatabaseDSN string `json:"databaseDsn"`

	// UpstreamRepoURL is the source-code host the Commit Resolver clones.
	UpstreamRepoURL string `json:"upstreamRepoUrl"`

	// RepoDir is the local path of the bare clone maintained by the Commit
	// Resolver.
	RepoDir string `json:"repoDir"`

	// BuilderWorkDir is where a builder daemon publishes artifacts under
	// builds/<build_id> (spec §6 "Artifact layout on builder hosts"); sources
	// are checked out in RepoDir. cmd/worker also uses it as the parent of
	// its per-test scratch directories.
	BuilderWorkDir string `json:"builderWorkDir,omitempty"`

	// DiskLowWaterMarkBytes is the free-space threshold that triggers the
	// builder's disk guard (spec §4.3 step 1). Defaults to 50 GB.
	DiskLowWaterMarkBytes int64 `json:"diskLowWaterMarkBytes,omitempty"`

	// AuthCookieKey is the 32-byte ChaCha20-Poly1305 key used to mint and
	// verify OAuth state cookies (spec §8).
	AuthCookieKey string `json:"authCookieKey,omitempty"`

	// OAuthClientID/Secret belong to the authentication collaborator, opaque
	// to this system beyond being passed through.
	OAuthClientID     string `json:"oauthClientId,omitempty"`
	OAuthClientSecret string `json:"oauthClientSecret,omitempty"`

	// UIBaseURL is the prefix of the run link that cmd/admissiond returns in
	// a successful response. The nightly scheduler does not read it.
	UIBaseURL string `json:"uiBaseUrl,omitempty"`

	// BlobBucket names the object-store bucket/container for logs that
	// exceed the inline-snippet threshold. No daemon in this repository
	// reads it: cmd/worker archives such logs in an in-memory blobstore.
	BlobBucket string `json:"blobBucket,omitempty"`
}

// DefaultDiskLowWaterMarkBytes is 50 GB, per spec §4.3 step 1 / §5.
const DefaultDiskLowWaterMarkBytes = 50 << 30

// Load reads and parses the JSON config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %q", path)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config file %q", path)
	}
	if cfg.DiskLowWaterMarkBytes == 0 {
		cfg.DiskLowWaterMarkBytes = DefaultDiskLowWaterMarkBytes
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the required fields are present. If the config is valid,
// nil is returned.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return errors.New("missing databaseDsn")
	}
	if c.UpstreamRepoURL == "" {
		return errors.New("missing upstreamRepoUrl")
	}
	if c.RepoDir == "" {
		return errors.New("missing repoDir")
	}
	if c.DiskLowWaterMarkBytes < 0 {
		return errors.New("diskLowWaterMarkBytes must not be negative")
	}
	return nil
}
