package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/clinic-booking/internal/config"
	"github.com/wolfman30/clinic-booking/internal/notify"
	"github.com/wolfman30/clinic-booking/internal/payments"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

func TestBuildRedisClient(t *testing.T) {
	logger := logging.Discard()
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{}, logger, true))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: addr}, logger, true)
	require.NotNil(t, client)
	_ = client.Close()

	mr.Close()
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: addr}, logger, true), "unreachable redis is disabled")
}

func TestBuildGatewayRegistry(t *testing.T) {
	logger := logging.Discard()
	cfg := &appconfig.Config{GatewayMaxAttempts: 2, GatewayTimeout: time.Second}
	assert.Equal(t, []string{payments.GatewayOffline}, BuildGatewayRegistry(cfg, nil, logger).Names())

	cfg.StripeSecretKey = "sk_test"
	cfg.SquareAccessToken = "sq_token"
	registry := BuildGatewayRegistry(cfg, nil, logger)
	assert.Equal(t, []string{payments.GatewayOffline, payments.GatewaySquare, payments.GatewayStripe}, registry.Names())

	g, err := registry.Get("STRIPE")
	require.NoError(t, err)
	assert.Equal(t, payments.GatewayStripe, g.Name())
}

func TestBuildVelocityChecker(t *testing.T) {
	assert.Nil(t, BuildVelocityChecker(nil, &appconfig.Config{}, logging.Discard()))
}

func TestBuildEmailSender(t *testing.T) {
	logger := logging.Discard()
	_, stub := BuildEmailSender(&appconfig.Config{}, logger).(*notify.StubEmailSender)
	assert.True(t, stub)

	_, sendgrid := BuildEmailSender(&appconfig.Config{SendGridAPIKey: "key", SendGridFromEmail: "a@b.c"}, logger).(*notify.SendGridSender)
	assert.True(t, sendgrid)
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	loc, err = LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kolkata", loc.String())

	_, err = LoadLocation("Mars/Olympus")
	assert.Error(t, err)
}
