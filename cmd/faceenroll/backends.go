package main

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/MrCodeEU/faceenroll/pkg/blob"
	blobminio "github.com/MrCodeEU/faceenroll/pkg/blob/minio"
	blobs3 "github.com/MrCodeEU/faceenroll/pkg/blob/s3"
	"github.com/MrCodeEU/faceenroll/pkg/camera"
	"github.com/MrCodeEU/faceenroll/pkg/extraction"
	"github.com/MrCodeEU/faceenroll/pkg/invitation"
	"github.com/MrCodeEU/faceenroll/pkg/kvstore"
	"github.com/MrCodeEU/faceenroll/pkg/kvstore/dynamo"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/MrCodeEU/faceenroll/pkg/models"
	"github.com/MrCodeEU/faceenroll/pkg/onboarding"
	"github.com/MrCodeEU/faceenroll/pkg/recognition"
	"github.com/MrCodeEU/faceenroll/pkg/records"
	"github.com/MrCodeEU/faceenroll/pkg/records/postgres"
	"github.com/MrCodeEU/faceenroll/pkg/recovery"
	"github.com/MrCodeEU/faceenroll/pkg/storage"
)

const sessionSealerSalt = "faceenroll-sessions-v1"

// app holds the backends selected by the configuration.
type app struct {
	records  records.Store
	blobs    blob.Store
	recovery *recovery.Manager
	loader   *models.Loader
	fetcher  *models.HTTPFetcher
	device   *camera.Exclusive
	invites  *invitation.Issuer

	closers []func()
}

// recordDeleter is implemented by the record stores that support removal.
type recordDeleter interface {
	Delete(ctx context.Context, id string) error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// need selects the backends a command opens.
type need int

const (
	needRecords need = 1 << iota
	needBlobs
	needSessions
	needModels
	needCamera
	needInvites
)

// newApp opens only what the caller asks for, so commands such as
// "invite" do not need a camera or a database.
func newApp(ctx context.Context, needs need) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	if needs&needRecords != 0 {
		if err := a.openRecords(ctx); err != nil {
			return fail(err)
		}
	}
	if needs&needBlobs != 0 {
		if err := a.openBlobs(ctx); err != nil {
			return fail(err)
		}
	}
	if needs&needSessions != 0 {
		store, err := openSessions(ctx)
		if err != nil {
			return fail(err)
		}
		a.recovery = recovery.NewManager(store, cfg.Enrollment.StalenessWindow)
	}
	if needs&needModels != 0 {
		a.fetcher = models.NewHTTPFetcher(cfg.Models.FetchTimeout, cfg.Models.BaseURL)
		a.loader = models.NewLoader(cfg.Models, a.fetcher, &recognition.DlibFactory{Detector: cfg.Models.Detector})
		a.closers = append(a.closers, func() {
			if err := a.loader.Close(); err != nil {
				logging.Warnf("Failed to close recognition engine: %v", err)
			}
		})
	}
	if needs&needCamera != 0 {
		a.device = camera.NewExclusive(camera.NewFFmpegSource(cfg.Camera))
	}
	switch {
	case cfg.Invitation.Secret != "":
		issuer, err := invitation.NewIssuer(cfg.Invitation.Secret, cfg.Invitation.Validity)
		if err != nil {
			return fail(err)
		}
		a.invites = issuer
	case needs&needInvites != 0:
		return fail(errors.New("invitation secret is not configured (set FACEENROLL_INVITE_SECRET)"))
	}
	return a, nil
}

func (a *app) openRecords(ctx context.Context) error {
	switch cfg.Records.Backend {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Records.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate identity store: %w", err)
		}
		a.records = store
	default:
		store, err := records.NewFileStore(cfg.Records.DataDir, cfg.Records.EncryptionEnabled)
		if err != nil {
			return err
		}
		a.records = store
	}
	return nil
}

func (a *app) openBlobs(ctx context.Context) error {
	switch cfg.Blob.Backend {
	case "minio":
		store, err := blobminio.New(blobminio.Options{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			UseSSL:    cfg.Blob.UseSSL,
			Region:    cfg.Blob.Region,
		}, cfg.Blob.Bucket, cfg.Blob.Prefix)
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return err
		}
		a.blobs = store
	case "s3":
		store, err := blobs3.New(ctx, cfg.Blob.Region, cfg.Blob.Bucket, cfg.Blob.Prefix)
		if err != nil {
			return err
		}
		a.blobs = store
	default:
		store, err := blob.NewLocalStore(cfg.Blob.LocalDir)
		if err != nil {
			return err
		}
		a.blobs = store
	}
	return nil
}

func openSessions(ctx context.Context) (kvstore.Store, error) {
	switch cfg.SessionStore.Backend {
	case "memory":
		logging.Warnf("Session store is in memory; progress is lost when the process exits")
		return kvstore.NewMemoryStore(), nil
	case "dynamodb":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.SessionStore.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.SessionStore.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return dynamo.NewStore(dynamodb.NewFromConfig(awsCfg), cfg.SessionStore.Table), nil
	default:
		var sealer *storage.Sealer
		if cfg.SessionStore.EncryptionEnabled {
			s, err := storage.NewMachineSealer(sessionSealerSalt)
			if err != nil {
				return nil, err
			}
			sealer = s
		}
		return kvstore.NewFileStore(cfg.SessionStore.Dir, sealer)
	}
}

// service wires an onboarding service on top of the app's backends.
func (a *app) service(overlay extraction.Overlay) (*onboarding.Service, error) {
	return onboarding.NewService(cfg, onboarding.Dependencies{
		Loader:      a.loader,
		Records:     a.records,
		Blobs:       a.blobs,
		Recovery:    a.recovery,
		Device:      a.device,
		Invitations: a.invites,
		Overlay:     overlay,
	})
}
