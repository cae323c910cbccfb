package services

import (
	"context"
	"fmt"
	"time"

	"dhtlogger/config"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const firebaseSettingsRoot = "settings"

// FirebaseKeyValueStore keeps settings in the Realtime Database under
// /settings/<key>. Updates use RTDB transactions.
type FirebaseKeyValueStore struct {
	client *db.Client
	logger *zap.Logger
}

func NewFirebaseKeyValueStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*FirebaseKeyValueStore, error) {
	// Parse the service account JSON from environment variable
	serviceAccountJSON := []byte(cfg.FirebaseServiceAccountJSON)

	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON(serviceAccountJSON)
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseKeyValueStore{
		client: client,
		logger: logger,
	}

	if err := fs.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection tests Firebase connection with retry logic
func (fs *FirebaseKeyValueStore) testConnection(ctx context.Context) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		var data interface{}
		err := fs.client.NewRef(firebaseSettingsRoot).Get(ctx, &data)
		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

func (fs *FirebaseKeyValueStore) ref(key string) *db.Ref {
	return fs.client.NewRef(firebaseSettingsRoot + "/" + key)
}

func (fs *FirebaseKeyValueStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value interface{}
	if err := fs.ref(key).Get(ctx, &value); err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return settingString(value)
}

func (fs *FirebaseKeyValueStore) Update(ctx context.Context, key string, fn func(string, bool) (string, error)) error {
	err := fs.ref(key).Transaction(ctx, func(tn db.TransactionNode) (interface{}, error) {
		var value interface{}
		if err := tn.Unmarshal(&value); err != nil {
			return nil, err
		}
		current, found, err := settingString(value)
		if err != nil {
			return nil, err
		}
		return fn(current, found)
	})
	if err != nil {
		return fmt.Errorf("update setting %s: %w", key, err)
	}
	return nil
}

func settingString(value interface{}) (string, bool, error) {
	switch v := value.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	default:
		return "", false, fmt.Errorf("unexpected setting type %T", value)
	}
}
