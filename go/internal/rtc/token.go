package rtc

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	rtctokenbuilder "github.com/AgoraIO/Tools/DynamicKey/AgoraDynamicKey/go/src/rtctokenbuilder2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

var ErrChannelRequired = errors.New("channel name is required")

// TokenConfig holds the Agora project credentials used to sign call tokens.
type TokenConfig struct {
	AppID          string
	AppCertificate string
	Expiry         time.Duration
}

func DefaultTokenConfig() TokenConfig {
	return TokenConfig{Expiry: time.Hour}
}

// Token lets a browser join one call channel as a publisher.
type Token struct {
	Token       string    `json:"token"`
	UID         uint32    `json:"uid"`
	AppID       string    `json:"app_id"`
	ChannelName string    `json:"channel_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenIssuer signs call tokens for room channels.
type TokenIssuer struct {
	config TokenConfig
	clock  clockwork.Clock
	uid    func() uint32
}

func NewTokenIssuer(config TokenConfig, clock clockwork.Clock) *TokenIssuer {
	if config.Expiry <= 0 {
		config.Expiry = DefaultTokenConfig().Expiry
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenIssuer{config: config, clock: clock, uid: randomUID}
}

// Configured reports whether both credentials are present.
func (i *TokenIssuer) Configured() bool {
	return i.config.AppID != "" && i.config.AppCertificate != ""
}

// Issue builds a publisher token for channelName with a fresh random uid.
func (i *TokenIssuer) Issue(channelName string) (Token, error) {
	if channelName == "" {
		return Token{}, ErrChannelRequired
	}
	if !i.Configured() {
		return Token{}, fmt.Errorf("rtc token: missing app id or certificate: %w", syncerr.ErrConfiguration)
	}

	uid := i.uid()
	expire := uint32(i.config.Expiry / time.Second)
	token, err := rtctokenbuilder.BuildTokenWithUid(
		i.config.AppID,
		i.config.AppCertificate,
		channelName,
		uid,
		rtctokenbuilder.RolePublisher,
		expire,
		expire,
	)
	if err != nil {
		return Token{}, fmt.Errorf("rtc token: %w", err)
	}

	log.Info().Str("channel", channelName).Uint32("uid", uid).Msg("issued call token")
	return Token{
		Token:       token,
		UID:         uid,
		AppID:       i.config.AppID,
		ChannelName: channelName,
		ExpiresAt:   i.clock.Now().Add(i.config.Expiry),
	}, nil
}

// randomUID picks a uid in [1, 100000].
func randomUID() uint32 {
	return uint32(rand.IntN(100000)) + 1
}
