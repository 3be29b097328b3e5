package exchange

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"signalbot/internal/models"
	"signalbot/pkg/ratelimit"
)

// NetworkFactory создает REST клиентов по сети пользователя.
// Пул соединений общий, лимитер свой у каждого клиента.
type NetworkFactory struct {
	urls  map[string]string
	http  *HTTPClient
	rps   float64
	burst float64
	now   func() time.Time
}

// FactoryConfig - endpoints и лимиты клиентов
type FactoryConfig struct {
	MainnetURL string
	TestnetURL string
	RPS        float64 // запросов/сек на клиента для каждой категории
	HTTP       HTTPClientConfig
}

func NewNetworkFactory(cfg FactoryConfig) *NetworkFactory {
	urls := make(map[string]string, 2)
	if cfg.MainnetURL != "" {
		urls[models.NetworkMainnet] = strings.TrimRight(cfg.MainnetURL, "/")
	}
	if cfg.TestnetURL != "" {
		urls[models.NetworkTestnet] = strings.TrimRight(cfg.TestnetURL, "/")
	}

	if cfg.HTTP.TotalTimeout <= 0 {
		cfg.HTTP = DefaultHTTPClientConfig()
	}

	rps := cfg.RPS
	if rps <= 0 {
		rps = 10
	}

	return &NetworkFactory{
		urls:  urls,
		http:  NewHTTPClient(cfg.HTTP),
		rps:   rps,
		burst: rps * 2,
		now:   time.Now,
	}
}

// NewClient разбирает ключ "keyId:secret" и создает клиента.
// signingKey не сохраняется: клиент копирует секрет в свой буфер.
func (f *NetworkFactory) NewClient(network string, signingKey []byte) (Client, error) {
	network = strings.ToLower(network)
	baseURL, ok := f.urls[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}

	sep := bytes.IndexByte(signingKey, ':')
	if sep <= 0 || sep == len(signingKey)-1 {
		return nil, ErrInvalidSigningKey
	}

	secret := make([]byte, len(signingKey)-sep-1)
	copy(secret, signingKey[sep+1:])

	limiter := ratelimit.NewEndpointLimiter()
	limiter.Set(ratelimit.CategoryOrders, f.rps, f.burst)
	limiter.Set(ratelimit.CategoryReads, f.rps*2, f.burst*2)

	return &RESTClient{
		network: network,
		baseURL: baseURL,
		keyID:   string(signingKey[:sep]),
		secret:  secret,
		http:    f.http,
		limiter: limiter,
		now:     f.now,
	}, nil
}

// Networks - сети, для которых настроен endpoint
func (f *NetworkFactory) Networks() []string {
	out := make([]string, 0, len(f.urls))
	for _, n := range []string{models.NetworkMainnet, models.NetworkTestnet} {
		if _, ok := f.urls[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// IsSupported проверяет, настроена ли сеть
func (f *NetworkFactory) IsSupported(network string) bool {
	_, ok := f.urls[strings.ToLower(network)]
	return ok
}

// Close освобождает пул соединений
func (f *NetworkFactory) Close() {
	f.http.Close()
}
