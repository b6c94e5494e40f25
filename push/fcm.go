package push

import (
	"context"
	"errors"
	"sync"

	"github.com/appleboy/go-fcm"
	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/storage"
	"go.uber.org/zap"
)

type fcmPusher struct {
	client *fcm.Client
	log    *zap.SugaredLogger

	invalidLock sync.Mutex
	invalid     []string
}

func NewFCMPusher(c *config.Config, logger *zap.SugaredLogger) (Provider, error) {
	client, err := fcm.NewClient(c.FCMAPIKey)
	if err != nil {
		return nil, err
	}
	return &fcmPusher{
		client: client,
		log:    logger,
	}, nil
}

func (fp *fcmPusher) Name() string {
	return storage.ProviderFCM
}

func (fp *fcmPusher) Send(token string) error {
	msg := &fcm.Message{
		To:               token,
		Priority:         "high",
		ContentAvailable: true,
		Notification: &fcm.Notification{
			Title: "New message available",
		},
	}

	res, err := fp.client.Send(msg)
	if err != nil {
		return err
	}
	for _, r := range res.Results {
		if r.Error == nil {
			continue
		}
		if errors.Is(r.Error, fcm.ErrNotRegistered) || errors.Is(r.Error, fcm.ErrInvalidRegistration) {
			fp.invalidLock.Lock()
			fp.invalid = append(fp.invalid, token)
			fp.invalidLock.Unlock()
		}
	}

	fp.log.Debugf("res %#v", res)
	return nil
}

// InvalidTokens returns tokens FCM has reported dead since the last call.
func (fp *fcmPusher) InvalidTokens(_ context.Context) ([]string, error) {
	fp.invalidLock.Lock()
	defer fp.invalidLock.Unlock()
	tokens := fp.invalid
	fp.invalid = nil
	return tokens, nil
}
