package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdPrefix is where EtcdProvider looks for keys:
//
//	/busrpc/config/domains      JSON array or a single domain
//	/busrpc/config/router_name  router name
//	/busrpc/config/locale       optional locale
const DefaultEtcdPrefix = "/busrpc/config"

// EtcdProvider reads the shared client configuration from etcd, so every
// process in a deployment agrees on domains and router name.
type EtcdProvider struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
}

// NewEtcdProvider connects to the given etcd endpoints.
func NewEtcdProvider(endpoints []string, prefix string) (*EtcdProvider, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return &EtcdProvider{client: c, prefix: strings.TrimSuffix(prefix, "/")}, nil
}

func (p *EtcdProvider) key(name string) string {
	return p.prefix + "/" + name
}

// Load fetches all keys under the prefix in one request.
func (p *EtcdProvider) Load(ctx context.Context) (*Config, error) {
	resp, err := p.client.Get(ctx, p.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get %s: %w", p.prefix, err)
	}

	cfg := &Config{}
	for _, kv := range resp.Kvs {
		switch string(kv.Key) {
		case p.key(KeyDomains):
			cfg.Domains = parseDomains(kv.Value)
		case p.key(KeyRouterName):
			cfg.RouterName = strings.TrimSpace(string(kv.Value))
		case p.key(KeyLocale):
			cfg.Locale = strings.TrimSpace(string(kv.Value))
		}
	}
	cfg.normalize()
	return cfg, cfg.Validate()
}

// Put publishes cfg under the prefix.
func (p *EtcdProvider) Put(ctx context.Context, cfg *Config) error {
	domains, err := json.Marshal(cfg.Domains)
	if err != nil {
		return err
	}
	ops := []clientv3.Op{
		clientv3.OpPut(p.key(KeyDomains), string(domains)),
		clientv3.OpPut(p.key(KeyRouterName), cfg.RouterName),
	}
	if cfg.Locale != "" {
		ops = append(ops, clientv3.OpPut(p.key(KeyLocale), cfg.Locale))
	}
	if _, err := p.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("etcd put %s: %w", p.prefix, err)
	}
	return nil
}

// Delete removes every key under the prefix.
func (p *EtcdProvider) Delete(ctx context.Context) error {
	_, err := p.client.Delete(ctx, p.prefix+"/", clientv3.WithPrefix())
	return err
}

func (p *EtcdProvider) Close() error {
	return p.client.Close()
}

func parseDomains(v []byte) []string {
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		return list
	}
	return strings.Split(string(v), ";")
}
