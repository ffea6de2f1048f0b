package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/httpclient"
	"github.com/example/face-pipeline/internal/registry"
)

type flakySource struct {
	failures int
	calls    int
}

func (f *flakySource) ObtainCredential(_ context.Context, name, _ string) (httpclient.Credential, error) {
	f.calls++
	if f.calls <= f.failures {
		return httpclient.Credential{}, failure.Transport("identity broker unreachable", errors.New("connection refused"))
	}
	return httpclient.Credential{BearerToken: "token-for-" + name, SigningSecret: "secret"}, nil
}

func fastRetry(max int) RetryConfig {
	return RetryConfig{Interval: time.Millisecond, MaxAttempts: max}
}

func TestObtainRetriesUntilBrokerAnswers(t *testing.T) {
	source := &flakySource{failures: 3}

	identity, err := Obtain(context.Background(), source, "gateway_service", "pw", fastRetry(0), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 4, source.calls)
	assert.Equal(t, "gateway_service", identity.Name())
	assert.Equal(t, "token-for-gateway_service", identity.Token())
	assert.Equal(t, "secret", identity.SigningSecret())
}

func TestObtainRetriesAuthorizationFailures(t *testing.T) {
	calls := 0
	source := credentialFunc(func() (httpclient.Credential, error) {
		calls++
		if calls == 1 {
			return httpclient.Credential{}, failure.Unauthorized("Service login failed.")
		}
		return httpclient.Credential{BearerToken: "t"}, nil
	})

	_, err := Obtain(context.Background(), source, "svc", "pw", fastRetry(0), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestObtainStopsAfterMaxAttempts(t *testing.T) {
	source := &flakySource{failures: 100}

	_, err := Obtain(context.Background(), source, "svc", "pw", fastRetry(3), zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 3, source.calls)
}

func TestObtainHonoursCancellation(t *testing.T) {
	source := &flakySource{failures: 100}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Obtain(ctx, source, "svc", "pw", RetryConfig{Interval: time.Hour}, zap.NewNop())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type credentialFunc func() (httpclient.Credential, error)

func (f credentialFunc) ObtainCredential(context.Context, string, string) (httpclient.Credential, error) {
	return f()
}

type scriptedLocator struct {
	results []registry.LookupResult
	calls   int
}

func (s *scriptedLocator) Locate(context.Context, []string) (registry.LookupResult, error) {
	result := s.results[s.calls]
	if s.calls < len(s.results)-1 {
		s.calls++
	}
	return result, nil
}

func TestResolveWaitsForMissingNames(t *testing.T) {
	broker := registry.ServiceLocation{ServiceName: "message_broker", ServiceAddress: "nats://broker", ServicePort: 4222}
	store := registry.ServiceLocation{ServiceName: "resource_manager_service", ServiceAddress: "http://store", ServicePort: 8080}
	locator := &scriptedLocator{results: []registry.LookupResult{
		{Found: map[string]registry.ServiceLocation{"message_broker": broker}, Missing: []string{"resource_manager_service"}},
		{Found: map[string]registry.ServiceLocation{"message_broker": broker, "resource_manager_service": store}},
	}}

	found, err := Resolve(context.Background(), locator, []string{"message_broker", "resource_manager_service"}, fastRetry(0), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, store, found["resource_manager_service"])
	assert.Equal(t, 1, locator.calls)
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Zero(t, cfg.MaxAttempts)
}
