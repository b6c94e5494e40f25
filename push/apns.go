package push

import (
	"context"
	"sync"

	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/storage"
	"github.com/sideshow/apns2"
	apns2_certificate "github.com/sideshow/apns2/certificate"
	"go.uber.org/zap"
)

type applePusher struct {
	client *apns2.Client
	topic  string
	log    *zap.SugaredLogger

	invalidLock sync.Mutex
	invalid     []string
}

func NewApplePusher(c *config.Config, logger *zap.SugaredLogger) (Provider, error) {
	cert, err := apns2_certificate.FromP12File(c.APNSCertPath, "")
	if err != nil {
		return nil, err
	}
	client := apns2.NewClient(cert)
	if c.APNSProduction {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return &applePusher{
		client: client,
		topic:  c.APNSTopic,
		log:    logger,
	}, nil
}

func (ap *applePusher) Name() string {
	return storage.ProviderAPNS
}

func (ap *applePusher) Send(token string) error {
	body := `{
			"aps": {
				"mutable-content": 1,
				"alert": {
					"title": "New message available"
				}
			}
		}`

	notification := &apns2.Notification{}
	notification.DeviceToken = token
	notification.Topic = ap.topic
	notification.Payload = []byte(body)

	res, err := ap.client.Push(notification)
	if err != nil {
		return err
	}
	if res.Reason == apns2.ReasonUnregistered {
		ap.invalidLock.Lock()
		ap.invalid = append(ap.invalid, token)
		ap.invalidLock.Unlock()
	}

	ap.log.Debugf("res %#v", res)
	return nil
}

// InvalidTokens returns tokens APNs has reported unregistered since the last
// call. APNs has no bulk feedback endpoint; invalidity surfaces per send.
func (ap *applePusher) InvalidTokens(_ context.Context) ([]string, error) {
	ap.invalidLock.Lock()
	defer ap.invalidLock.Unlock()
	tokens := ap.invalid
	ap.invalid = nil
	return tokens, nil
}
