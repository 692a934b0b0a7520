package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	pubnubgo "github.com/pubnub/go/v7"
)

var _ Pubnub = (*pubnub)(nil)

// AdminChannel receives live study notifications for the dashboard.
const AdminChannel = "safebox-admin"

type PubNubConfig struct {
	PublishKey, SubscribeKey, SecretKey, UUIDKey, UUIDSubKey string
}

func NewPubnub(pnCfg *PubNubConfig) (Pubnub, error) {
	if pnCfg == nil {
		return nil, fmt.Errorf("[NewPubnub] pnCfg: must not be nil")
	}

	cfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(pnCfg.UUIDKey))
	cfg.PublishKey = pnCfg.PublishKey
	cfg.SubscribeKey = pnCfg.SubscribeKey
	cfg.SecretKey = pnCfg.SecretKey

	return &pubnub{
		pn:         pubnubgo.NewPubNub(cfg),
		uuidSubKey: pnCfg.UUIDSubKey,
	}, nil
}

type Pubnub interface {
	Publish(ctx context.Context, channel string, messagePayload any) (string, error)
	GenGrantToken(ctx context.Context) (string, error)
}

type pubnub struct {
	pn         *pubnubgo.PubNub
	uuidSubKey string
}

func (p *pubnub) Publish(ctx context.Context, channel string, messagePayload any) (string, error) {
	messageJSON, err := json.Marshal(messagePayload)
	if err != nil {
		return "", err
	}

	publish := p.pn.Publish()
	publish.Channel(channel).Message(string(messageJSON))
	resp, _, err := publish.Execute()
	if err != nil {
		return "", err
	}

	s := strconv.FormatInt(resp.Timestamp, 10)
	return s, nil
}

// GenGrantToken issues a read-only token for the admin dashboard channel.
func (p *pubnub) GenGrantToken(ctx context.Context) (string, error) {
	grantToken := p.pn.GrantTokenWithContext(ctx)
	permissions := map[string]pubnubgo.ChannelPermissions{
		AdminChannel: {
			Read: true,
		},
	}

	token, _, err := grantToken.TTL(60).AuthorizedUUID(p.uuidSubKey).Channels(permissions).Execute()
	if err != nil {
		return "", err
	}

	return token.Data.Token, nil
}
