package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreClientConfig holds configuration for the Firestore-backed registry.
type FirestoreClientConfig struct {
	ProjectID       string
	CollectionName  string // e.g., "devices"
	CredentialsFile string // Optional, for specific service account
}

// deviceDocument is the stored shape of a device. The document ID is the device ID.
type deviceDocument struct {
	Name           string `firestore:"name"`
	TypeID         string `firestore:"typeId"`
	IsActive       bool   `firestore:"isActive"`
	CredentialHash string `firestore:"credentialHash"` // hex SHA-256 of the device credential
}

// FirestoreClient implements Client using Google Cloud Firestore.
type FirestoreClient struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreClient creates a registry client that reads device documents from Firestore.
// For the emulator, set FIRESTORE_EMULATOR_HOST.
func NewFirestoreClient(ctx context.Context, cfg FirestoreClientConfig, logger zerolog.Logger) (*FirestoreClient, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("identity: firestore project id is required")
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = "devices"
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for Firestore")
	} else if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		logger.Info().Msg("Using Application Default Credentials (ADC) for Firestore")
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("Firestore device registry initialized")
	return &FirestoreClient{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "RegistryFirestoreClient").Logger(),
	}, nil
}

func (f *FirestoreClient) load(ctx context.Context, deviceID string) (*deviceDocument, error) {
	snap, err := f.client.Collection(f.collectionName).Doc(deviceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("firestore Get for %s: %w", deviceID, err)
	}
	var doc deviceDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore DataTo for %s: %w", deviceID, err)
	}
	return &doc, nil
}

// Authenticate compares the credential's hash with the stored one. Inactive
// devices never authenticate.
func (f *FirestoreClient) Authenticate(ctx context.Context, deviceID, credential string) (bool, error) {
	doc, err := f.load(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if !doc.IsActive {
		f.logger.Debug().Str("device_id", deviceID).Msg("Device is inactive")
		return false, nil
	}
	return credentialMatches(doc.CredentialHash, credential), nil
}

// GetDeviceInfo returns the stored device record.
func (f *FirestoreClient) GetDeviceInfo(ctx context.Context, deviceID string) (*DeviceInfo, error) {
	doc, err := f.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return &DeviceInfo{
		ID:       deviceID,
		Name:     doc.Name,
		TypeID:   doc.TypeID,
		IsActive: doc.IsActive,
	}, nil
}

// Close closes the Firestore client.
func (f *FirestoreClient) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// HashCredential returns the stored form of a credential.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

func credentialMatches(storedHash, credential string) bool {
	if storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(HashCredential(credential))) == 1
}
